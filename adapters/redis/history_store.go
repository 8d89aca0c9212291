package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

const keyPrefix = "twin:history:"

// Config holds Redis connection settings
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// HistoryStore keeps conversation history in Redis as JSON values with a TTL
type HistoryStore struct {
	client *goredis.Client
	logger *zap.Logger
}

var _ repositories.HistoryStore = (*HistoryStore)(nil)

// Connect opens a pooled client and verifies it with a ping
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*HistoryStore, error) {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 10
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 1,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB))
	return NewHistoryStore(client, logger), nil
}

// NewHistoryStore wraps an existing client
func NewHistoryStore(client *goredis.Client, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{client: client, logger: logger}
}

func key(conversationID string) string {
	return keyPrefix + conversationID
}

// Get implements repositories.HistoryStore
func (s *HistoryStore) Get(ctx context.Context, conversationID string) (entities.ConversationHistory, error) {
	raw, err := s.client.Get(ctx, key(conversationID)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get history: %w", err)
	}

	var history entities.ConversationHistory
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return history, nil
}

// Set implements repositories.HistoryStore
func (s *HistoryStore) Set(ctx context.Context, conversationID string, history entities.ConversationHistory, ttl time.Duration) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("failed to encode history: %w", err)
	}
	if err := s.client.Set(ctx, key(conversationID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set history: %w", err)
	}
	return nil
}

// Delete implements repositories.HistoryStore
func (s *HistoryStore) Delete(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, key(conversationID)).Err(); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// Ping implements repositories.HistoryStore
func (s *HistoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool
func (s *HistoryStore) Close() error {
	return s.client.Close()
}
