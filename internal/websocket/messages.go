package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/satriahrh/twinvoice/domain"
)

// maxPromptLength bounds the prompt text of a single twin_chat message
const maxPromptLength = 4000

// Envelope wraps every frame sent to the client
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Data      any    `json:"data"`
}

// inboundEnvelope is the client frame before its data is decoded
type inboundEnvelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// PingMessage is the client liveness probe
type PingMessage struct {
	Data string `json:"data,omitempty"`
}

// PongMessage answers a PingMessage
type PongMessage struct {
	Data string `json:"data,omitempty"`
}

// NewEnvelope encodes a server frame stamped with the current time
func NewEnvelope(msgType string, data any) ([]byte, error) {
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
}

// MessageValidator decodes and validates client frames
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage returns *domain.TwinChatMessage or *PingMessage
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (any, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(messageBytes, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("type is required")
	}

	switch env.Type {
	case domain.MessageTypeTwinChat:
		if len(env.Data) == 0 {
			return nil, errors.New("data is required")
		}
		var msg domain.TwinChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("invalid twin_chat message: %w", err)
		}
		if err := v.validateTwinChat(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case domain.MessageTypePing:
		var msg PingMessage
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				return nil, fmt.Errorf("invalid ping message: %w", err)
			}
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", env.Type)
	}
}

func (v *MessageValidator) validateTwinChat(msg *domain.TwinChatMessage) error {
	msg.DigitalTwinID = strings.TrimSpace(msg.DigitalTwinID)
	msg.Message = strings.TrimSpace(msg.Message)

	if msg.DigitalTwinID == "" {
		return errors.New("digitalTwinId is required")
	}
	if msg.Message == "" {
		return errors.New("message is required")
	}
	if len(msg.Message) > maxPromptLength {
		return fmt.Errorf("message exceeds %d bytes", maxPromptLength)
	}
	return nil
}
