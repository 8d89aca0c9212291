package entities

import (
	"errors"
	"time"
)

// Role defines the type of message sender
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// ChatMessage represents a single entry in a conversation history
type ChatMessage struct {
	Role    Role   `json:"role" bson:"role"`
	Content string `json:"content" bson:"content"`
}

// ConversationHistory is the ordered list of messages for one conversation.
// It is treated as immutable: every change produces a new slice.
type ConversationHistory []ChatMessage

// Append returns a new history with msgs added at the end. The receiver is not modified.
func (h ConversationHistory) Append(msgs ...ChatMessage) ConversationHistory {
	out := make(ConversationHistory, len(h), len(h)+len(msgs))
	copy(out, h)
	return append(out, msgs...)
}

// Clone returns a copy that shares no backing array with h
func (h ConversationHistory) Clone() ConversationHistory {
	if h == nil {
		return nil
	}
	out := make(ConversationHistory, len(h))
	copy(out, h)
	return out
}

// Tail returns a copy of the last n messages
func (h ConversationHistory) Tail(n int) ConversationHistory {
	if n <= 0 || len(h) <= n {
		return h.Clone()
	}
	return h[len(h)-n:].Clone()
}

// Conversation represents a persisted conversation with a digital twin
type Conversation struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Message represents a single persisted message in a conversation
type Message struct {
	ID             int64     `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Role           Role      `json:"role" db:"role"`
	Content        string    `json:"content" db:"content"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation id is required")
	}
	return nil
}

func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if !m.Role.Valid() {
		return errors.New("invalid message role")
	}
	return nil
}

// HistoryFromMessages converts persisted messages, oldest first, to a history
func HistoryFromMessages(msgs []Message) ConversationHistory {
	history := make(ConversationHistory, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, ChatMessage{Role: m.Role, Content: m.Content})
	}
	return history
}
