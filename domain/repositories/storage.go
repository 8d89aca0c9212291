package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/satriahrh/twinvoice/domain/entities"
)

// ErrNotFound is returned when a key or record does not exist
var ErrNotFound = errors.New("not found")

// HistoryStore is a shared, cross-process store for conversation history
type HistoryStore interface {
	Get(ctx context.Context, conversationID string) (entities.ConversationHistory, error)
	Set(ctx context.Context, conversationID string, history entities.ConversationHistory, ttl time.Duration) error
	Delete(ctx context.Context, conversationID string) error
	Ping(ctx context.Context) error
}

// ConversationRepository defines data access methods for persisted conversations
type ConversationRepository interface {
	GetOrCreateConversation(ctx context.Context, id, displayName string) (*entities.Conversation, error)
	AppendMessage(ctx context.Context, msg *entities.Message) error
	// AppendMessages stores msgs atomically
	AppendMessages(ctx context.Context, msgs ...*entities.Message) error
	// GetRecentMessages returns at most limit messages, oldest first
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]entities.Message, error)
}
