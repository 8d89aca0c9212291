package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/twinvoice/domain/entities"
)

// Envelope is carried by every request. RequestID plus SessionID is the
// correlation key a worker echoes back.
type Envelope struct {
	RequestID string    `json:"request_id"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope stamps a fresh request id and the current time
func NewEnvelope(sessionID string) Envelope {
	return Envelope{
		RequestID: uuid.NewString(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
	}
}

// LLMRequest asks an LLM worker for one reply
type LLMRequest struct {
	Envelope
	ConversationID string                       `json:"conversation_id"`
	Prompt         string                       `json:"prompt"`
	History        entities.ConversationHistory `json:"history"`
}

// TTSRequest asks a TTS worker to synthesize text
type TTSRequest struct {
	Envelope
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Voice          string `json:"voice,omitempty"`
}

// Response is published by a worker for every request it processes
type Response struct {
	RequestID        string          `json:"request_id"`
	SessionID        string          `json:"session_id"`
	Success          bool            `json:"success"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	WorkerID         string          `json:"worker_id"`
	Timestamp        time.Time       `json:"timestamp"`
}

// System event kinds
const (
	EventWorkerStarted = "worker_started"
	EventWorkerStopped = "worker_stopped"
)

// SystemEvent announces worker lifecycle changes
type SystemEvent struct {
	Event      string              `json:"event"`
	WorkerID   string              `json:"worker_id"`
	WorkerType entities.WorkerType `json:"worker_type"`
	Timestamp  time.Time           `json:"timestamp"`
}
