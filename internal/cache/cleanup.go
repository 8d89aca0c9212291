package cache

import (
	"time"

	"go.uber.org/zap"
)

const defaultCleanupInterval = 30 * time.Minute

// FallbackCleanup periodically prunes stale last-resort history entries
type FallbackCleanup struct {
	cache    *HistoryCache
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewFallbackCleanup creates a new cleanup service. A zero interval means 30 minutes.
func NewFallbackCleanup(cache *HistoryCache, interval time.Duration, logger *zap.Logger) *FallbackCleanup {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &FallbackCleanup{
		cache:    cache,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *FallbackCleanup) Start() {
	go s.cleanupLoop()
	s.logger.Info("History fallback cleanup started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *FallbackCleanup) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info("History fallback cleanup stopped")
}

func (s *FallbackCleanup) cleanupLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if removed := s.cache.PruneFallback(); removed > 0 {
				s.logger.Info("Pruned last-resort history entries", zap.Int("removed", removed))
			}
		}
	}
}
