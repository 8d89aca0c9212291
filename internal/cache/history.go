package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

const (
	DefaultLocalTTL  = 5 * time.Minute
	DefaultSharedTTL = 24 * time.Hour
	defaultLocalSize = 1024
	defaultOpTimeout = 2 * time.Second
)

// Config tunes the history cache tiers
type Config struct {
	LocalTTL  time.Duration
	LocalSize int
	SharedTTL time.Duration
	// OpTimeout bounds every shared-tier call
	OpTimeout time.Duration
}

type fallbackEntry struct {
	history  entities.ConversationHistory
	storedAt time.Time
}

// HistoryCache stores conversation history in a per-process expirable LRU
// (tier-1) backed by a shared store (tier-2). A last-resort in-process map
// is written on every Set and read only when tier-2 is unavailable.
type HistoryCache struct {
	local     *expirable.LRU[string, entities.ConversationHistory]
	shared    repositories.HistoryStore
	sharedTTL time.Duration
	opTimeout time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	fallback map[string]fallbackEntry
	clock    func() time.Time

	lookups metric.Int64Counter
	writes  metric.Int64Counter
}

// NewHistoryCache creates the cache. shared may be nil, in which case reads
// that miss tier-1 go straight to the last-resort map.
func NewHistoryCache(cfg Config, shared repositories.HistoryStore, logger *zap.Logger) *HistoryCache {
	if cfg.LocalTTL <= 0 {
		cfg.LocalTTL = DefaultLocalTTL
	}
	if cfg.LocalSize <= 0 {
		cfg.LocalSize = defaultLocalSize
	}
	if cfg.SharedTTL <= 0 {
		cfg.SharedTTL = DefaultSharedTTL
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}

	c := &HistoryCache{
		local:     expirable.NewLRU[string, entities.ConversationHistory](cfg.LocalSize, nil, cfg.LocalTTL),
		shared:    shared,
		sharedTTL: cfg.SharedTTL,
		opTimeout: cfg.OpTimeout,
		logger:    logger.With(zap.String("component", "history-cache")),
		fallback:  make(map[string]fallbackEntry),
		clock:     time.Now,
	}
	c.initMetrics()
	return c
}

func (c *HistoryCache) initMetrics() {
	meter := otel.Meter("github.com/satriahrh/twinvoice/cache")
	var err error
	if c.lookups, err = meter.Int64Counter("twin.history.lookups", metric.WithDescription("History lookups by tier and outcome")); err != nil {
		c.logger.Warn("Failed to create lookup counter", zap.Error(err))
	}
	if c.writes, err = meter.Int64Counter("twin.history.writes", metric.WithDescription("History writes by tier and outcome")); err != nil {
		c.logger.Warn("Failed to create write counter", zap.Error(err))
	}
}

func record(ctx context.Context, counter metric.Int64Counter, tier, outcome string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier), attribute.String("outcome", outcome)))
}

// Get returns the history for conversationID. The second return value is
// false when no tier has it.
func (c *HistoryCache) Get(ctx context.Context, conversationID string) (entities.ConversationHistory, bool) {
	if history, ok := c.local.Get(conversationID); ok {
		record(ctx, c.lookups, "local", "hit")
		return history.Clone(), true
	}
	record(ctx, c.lookups, "local", "miss")

	history, err := c.getShared(ctx, conversationID)
	switch {
	case err == nil:
		record(ctx, c.lookups, "shared", "hit")
		c.local.Add(conversationID, history.Clone())
		return history, true
	case errors.Is(err, repositories.ErrNotFound):
		record(ctx, c.lookups, "shared", "miss")
		return nil, false
	}

	c.logger.Warn("Shared history tier unavailable, using last-resort store",
		zap.String("conversationID", conversationID), zap.Error(err))
	record(ctx, c.lookups, "shared", "error")

	c.mu.Lock()
	entry, ok := c.fallback[conversationID]
	c.mu.Unlock()
	if !ok {
		record(ctx, c.lookups, "fallback", "miss")
		return nil, false
	}
	record(ctx, c.lookups, "fallback", "hit")
	return entry.history.Clone(), true
}

func (c *HistoryCache) getShared(ctx context.Context, conversationID string) (entities.ConversationHistory, error) {
	if c.shared == nil {
		return nil, errors.New("no shared history store configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.shared.Get(ctx, conversationID)
}

// Set replaces the history for conversationID in every tier. A shared-tier
// failure is logged and does not fail the call.
func (c *HistoryCache) Set(ctx context.Context, conversationID string, history entities.ConversationHistory) {
	c.local.Add(conversationID, history.Clone())
	record(ctx, c.writes, "local", "ok")

	if c.shared != nil {
		sctx, cancel := context.WithTimeout(ctx, c.opTimeout)
		err := c.shared.Set(sctx, conversationID, history, c.sharedTTL)
		cancel()
		if err != nil {
			c.logger.Warn("Failed to write shared history tier",
				zap.String("conversationID", conversationID), zap.Error(err))
			record(ctx, c.writes, "shared", "error")
		} else {
			record(ctx, c.writes, "shared", "ok")
		}
	}

	c.mu.Lock()
	c.fallback[conversationID] = fallbackEntry{history: history.Clone(), storedAt: c.clock()}
	c.mu.Unlock()
	record(ctx, c.writes, "fallback", "ok")
}

// Delete removes conversationID from every tier
func (c *HistoryCache) Delete(ctx context.Context, conversationID string) error {
	c.local.Remove(conversationID)

	c.mu.Lock()
	delete(c.fallback, conversationID)
	c.mu.Unlock()

	if c.shared == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	if err := c.shared.Delete(ctx, conversationID); err != nil {
		return fmt.Errorf("delete shared history: %w", err)
	}
	return nil
}

// Healthy reports whether the shared tier answers a ping
func (c *HistoryCache) Healthy(ctx context.Context) error {
	if c.shared == nil {
		return errors.New("no shared history store configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()
	return c.shared.Ping(ctx)
}

// PruneFallback drops last-resort entries older than the shared-tier retention
// window and returns how many were removed.
func (c *HistoryCache) PruneFallback() int {
	cutoff := c.clock().Add(-c.sharedTTL)

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, entry := range c.fallback {
		if entry.storedAt.Before(cutoff) {
			delete(c.fallback, id)
			removed++
		}
	}
	return removed
}
