package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain/entities"
)

// WorkerStatus is the monitor's view of one worker
type WorkerStatus struct {
	WorkerID string              `json:"worker_id"`
	Type     entities.WorkerType `json:"worker_type"`
	LastSeen time.Time           `json:"last_seen"`
	Healthy  bool                `json:"healthy"`
}

// WorkerMonitor tracks worker liveness from heartbeats and lifecycle events.
// It is advisory: stale workers are reported, never evicted or restarted.
type WorkerMonitor struct {
	client     *Client
	logger     *zap.Logger
	staleAfter time.Duration
	clock      func() time.Time

	mu      sync.RWMutex
	workers map[string]*WorkerStatus

	subs   []*nats.Subscription
	cancel context.CancelFunc
	meter  metric.Meter
}

// NewWorkerMonitor subscribes to heartbeats and system events. Workers that
// have not been heard from within staleAfter are marked unhealthy.
func NewWorkerMonitor(ctx context.Context, client *Client, staleAfter time.Duration, logger *zap.Logger) (*WorkerMonitor, error) {
	ctx, cancel := context.WithCancel(ctx)
	m := &WorkerMonitor{
		client:     client,
		logger:     logger.With(zap.String("component", "worker-monitor")),
		staleAfter: staleAfter,
		clock:      time.Now,
		workers:    make(map[string]*WorkerStatus),
		cancel:     cancel,
		meter:      otel.Meter("github.com/satriahrh/twinvoice/broker"),
	}

	if err := m.initMetrics(); err != nil {
		m.logger.Warn("Failed to initialize metrics", zap.Error(err))
	}

	hb, err := client.Subscribe(SubjectWorkerHeartbeat, m.handleHeartbeat)
	if err != nil {
		cancel()
		return nil, err
	}
	m.subs = append(m.subs, hb)

	events, err := client.Subscribe(SubjectSystemEvents, m.handleSystemEvent)
	if err != nil {
		m.Close()
		return nil, err
	}
	m.subs = append(m.subs, events)

	go m.monitorHealth(ctx)
	return m, nil
}

func (m *WorkerMonitor) monitorHealth(ctx context.Context) {
	interval := m.staleAfter / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateHealth()
		}
	}
}

func (m *WorkerMonitor) handleHeartbeat(msg *nats.Msg) {
	var hb entities.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		m.logger.Warn("Invalid heartbeat message", zap.Error(err))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = m.clock()
	}
	m.update(hb.WorkerID, hb.WorkerType, hb.Timestamp, true)
}

func (m *WorkerMonitor) handleSystemEvent(msg *nats.Msg) {
	var evt SystemEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		m.logger.Warn("Invalid system event", zap.Error(err))
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = m.clock()
	}

	switch evt.Event {
	case EventWorkerStarted:
		m.logger.Info("Worker started", zap.String("workerID", evt.WorkerID), zap.String("type", string(evt.WorkerType)))
		m.update(evt.WorkerID, evt.WorkerType, evt.Timestamp, true)
	case EventWorkerStopped:
		m.logger.Info("Worker stopped", zap.String("workerID", evt.WorkerID), zap.String("type", string(evt.WorkerType)))
		m.update(evt.WorkerID, evt.WorkerType, evt.Timestamp, false)
	}
}

func (m *WorkerMonitor) update(id string, t entities.WorkerType, seen time.Time, healthy bool) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok {
		w = &WorkerStatus{WorkerID: id}
		m.workers[id] = w
	}
	if t != "" {
		w.Type = t
	}
	w.LastSeen = seen
	w.Healthy = healthy
}

func (m *WorkerMonitor) evaluateHealth() {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		if w.Healthy && now.Sub(w.LastSeen) > m.staleAfter {
			w.Healthy = false
			m.logger.Warn("Worker heartbeat is stale",
				zap.String("workerID", w.WorkerID),
				zap.String("type", string(w.Type)),
				zap.Time("lastSeen", w.LastSeen))
		}
	}
}

// Live returns the number of healthy workers of type t
func (m *WorkerMonitor) Live(t entities.WorkerType) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, w := range m.workers {
		if w.Type == t && w.Healthy {
			n++
		}
	}
	return n
}

// Ready returns an error unless at least one live worker of each type is known
func (m *WorkerMonitor) Ready() error {
	for _, t := range []entities.WorkerType{entities.WorkerTypeLLM, entities.WorkerTypeTTS} {
		if m.Live(t) == 0 {
			return fmt.Errorf("no live %s worker", t)
		}
	}
	return nil
}

// Workers returns a snapshot of every known worker
func (m *WorkerMonitor) Workers() []WorkerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(m.workers))
	for _, w := range m.workers {
		out = append(out, *w)
	}
	return out
}

func (m *WorkerMonitor) initMetrics() error {
	gauge, err := m.meter.Int64ObservableGauge("twin.workers.live", metric.WithDescription("Live workers by type"))
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		for _, t := range []entities.WorkerType{entities.WorkerTypeLLM, entities.WorkerTypeTTS} {
			obs.ObserveInt64(gauge, int64(m.Live(t)), metric.WithAttributes(attribute.String("type", string(t))))
		}
		return nil
	}, gauge)
	return err
}

// Close stops monitoring
func (m *WorkerMonitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	for _, sub := range m.subs {
		_ = sub.Unsubscribe()
	}
}
