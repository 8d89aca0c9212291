package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/internal/broker"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultProcessTimeout    = 90 * time.Second
)

// Processor performs the work behind one request payload
type Processor interface {
	Type() entities.WorkerType
	Process(ctx context.Context, payload []byte) (any, error)
}

// Config tunes a worker
type Config struct {
	ID                string
	HeartbeatInterval time.Duration
	ProcessTimeout    time.Duration
}

// Worker consumes requests of one type from a queue group and publishes a
// correlated response for each
type Worker struct {
	id        string
	cfg       Config
	route     broker.Route
	client    *broker.Client
	processor Processor
	logger    *zap.Logger

	sub    *nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a worker. An empty cfg.ID gets a generated one.
func New(client *broker.Client, processor Processor, cfg Config, logger *zap.Logger) (*Worker, error) {
	route, ok := broker.RouteFor(processor.Type())
	if !ok {
		return nil, fmt.Errorf("unknown worker type %q", processor.Type())
	}
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("%s-%s", processor.Type(), uuid.NewString()[:8])
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultProcessTimeout
	}

	return &Worker{
		id:        cfg.ID,
		cfg:       cfg,
		route:     route,
		client:    client,
		processor: processor,
		logger:    logger.With(zap.String("workerID", cfg.ID), zap.String("type", string(processor.Type()))),
	}, nil
}

// ID returns the worker id
func (w *Worker) ID() string {
	return w.id
}

// Start subscribes to the request queue and begins heartbeating
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.client.QueueSubscribe(w.route.Request, w.route.Queue, w.handle)
	if err != nil {
		return err
	}
	w.sub = sub

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.runHeartbeat(ctx)

	w.publishEvent(broker.EventWorkerStarted)
	w.logger.Info("Worker started",
		zap.String("subject", w.route.Request),
		zap.String("queue", w.route.Queue),
		zap.Int64("maxPayload", w.client.MaxPayload()))
	return nil
}

// Close stops heartbeating, announces the stop and drains the subscription
func (w *Worker) Close() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.publishEvent(broker.EventWorkerStopped)
	if w.sub != nil {
		if err := w.sub.Drain(); err != nil {
			w.logger.Warn("Failed to drain subscription", zap.Error(err))
		}
	}
	w.logger.Info("Worker stopped")
}

func (w *Worker) runHeartbeat(ctx context.Context) {
	defer close(w.done)

	w.publishHeartbeat()
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishHeartbeat()
		}
	}
}

func (w *Worker) publishHeartbeat() {
	hb := entities.WorkerHeartbeat{
		WorkerID:   w.id,
		WorkerType: w.processor.Type(),
		Timestamp:  time.Now().UTC(),
	}
	if err := w.client.Publish(broker.SubjectWorkerHeartbeat, hb); err != nil {
		w.logger.Warn("Failed to publish heartbeat", zap.Error(err))
	}
}

func (w *Worker) publishEvent(event string) {
	evt := broker.SystemEvent{
		Event:      event,
		WorkerID:   w.id,
		WorkerType: w.processor.Type(),
		Timestamp:  time.Now().UTC(),
	}
	if err := w.client.Publish(broker.SubjectSystemEvents, evt); err != nil {
		w.logger.Warn("Failed to publish system event", zap.String("event", event), zap.Error(err))
	}
}

// handle runs on the subscription goroutine, so a worker processes one
// message at a time
func (w *Worker) handle(msg *nats.Msg) {
	start := time.Now()

	var env broker.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil || env.RequestID == "" {
		w.logger.Warn("Dropping request without a valid envelope", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ProcessTimeout)
	defer cancel()

	result, err := w.processor.Process(ctx, msg.Data)

	resp := broker.Response{
		RequestID: env.RequestID,
		SessionID: env.SessionID,
		WorkerID:  w.id,
	}
	if err == nil {
		resp.Result, err = json.Marshal(result)
	}
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
		resp.ErrorCode = w.route.ErrorCode
		w.logger.Warn("Request failed",
			zap.String("requestID", env.RequestID),
			zap.String("sessionID", env.SessionID),
			zap.Error(err))
	} else {
		resp.Success = true
	}
	resp.ProcessingTimeMs = time.Since(start).Milliseconds()
	resp.Timestamp = time.Now().UTC()

	if err := w.publish(resp); err != nil {
		w.logger.Error("Failed to publish response",
			zap.String("requestID", env.RequestID),
			zap.String("sessionID", env.SessionID),
			zap.Error(err))
		// the caller would otherwise wait for its own deadline
		resp.Success = false
		resp.Result = nil
		resp.Error = fmt.Sprintf("publish response: %v", err)
		resp.ErrorCode = w.route.ErrorCode
		if err := w.publish(resp); err != nil {
			w.logger.Error("Failed to publish failure response",
				zap.String("requestID", env.RequestID),
				zap.Error(err))
			return
		}
	}

	w.logger.Info("Request processed",
		zap.String("requestID", env.RequestID),
		zap.String("sessionID", env.SessionID),
		zap.Bool("success", resp.Success),
		zap.Int64("processingTimeMs", resp.ProcessingTimeMs))
}

// publish encodes resp and checks it against the broker's max payload
func (w *Worker) publish(resp broker.Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if limit := w.client.MaxPayload(); limit > 0 && int64(len(payload)) > limit {
		return fmt.Errorf("%w: %d bytes, broker limit %d", errResponseTooLarge, len(payload), limit)
	}
	return w.client.PublishRaw(w.route.Response, payload)
}

// errResponseTooLarge marks a result the broker cannot carry
var errResponseTooLarge = errors.New("response exceeds broker max payload")

// errBadRequest marks a payload that could not be decoded
var errBadRequest = errors.New("malformed request payload")
