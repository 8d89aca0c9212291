package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

const historyCollection = "conversation_history"

type historyDocument struct {
	ConversationID string                 `bson:"_id"`
	Messages       []entities.ChatMessage `bson:"messages"`
	UpdatedAt      time.Time              `bson:"updated_at"`
	ExpiresAt      time.Time              `bson:"expires_at"`
}

// HistoryStore keeps conversation history in MongoDB, one document per conversation
type HistoryStore struct {
	collection *mongo.Collection
	logger     *zap.Logger
	clock      func() time.Time
}

var _ repositories.HistoryStore = (*HistoryStore)(nil)

// NewHistoryStore creates the store and ensures its TTL index
func NewHistoryStore(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*HistoryStore, error) {
	collection := db.Collection(historyCollection)

	ttlIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	if _, err := collection.Indexes().CreateOne(ctx, ttlIndex); err != nil {
		return nil, fmt.Errorf("failed to create history TTL index: %w", err)
	}
	logger.Info("History indexes created successfully")

	return &HistoryStore{collection: collection, logger: logger, clock: time.Now}, nil
}

// Get implements repositories.HistoryStore. The TTL monitor runs about once a
// minute, so documents past expires_at are treated as missing here too.
func (s *HistoryStore) Get(ctx context.Context, conversationID string) (entities.ConversationHistory, error) {
	var doc historyDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	if !doc.ExpiresAt.After(s.clock()) {
		return nil, repositories.ErrNotFound
	}
	return entities.ConversationHistory(doc.Messages), nil
}

// Set implements repositories.HistoryStore
func (s *HistoryStore) Set(ctx context.Context, conversationID string, history entities.ConversationHistory, ttl time.Duration) error {
	now := s.clock()
	doc := historyDocument{
		ConversationID: conversationID,
		Messages:       history,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": conversationID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set history: %w", err)
	}
	return nil
}

// Delete implements repositories.HistoryStore
func (s *HistoryStore) Delete(ctx context.Context, conversationID string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": conversationID}); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// Ping implements repositories.HistoryStore
func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.collection.Database().Client().Ping(ctx, nil)
}
