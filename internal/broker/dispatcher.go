package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type waiter struct {
	sessionID string
	ch        chan Response
}

const (
	abandonedSize = 4096
	abandonedTTL  = 10 * time.Minute
)

// Dispatcher routes worker responses to the one caller waiting on each
// request id and session id pair. Responses nobody here asked for belong to another server
// instance and are ignored.
type Dispatcher struct {
	client    *Client
	logger    *zap.Logger
	mu        sync.Mutex
	pending   map[string]waiter
	abandoned *expirable.LRU[string, string]
	subs      []*nats.Subscription
}

// NewDispatcher subscribes to both response subjects
func NewDispatcher(client *Client, logger *zap.Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		client:    client,
		logger:    logger.With(zap.String("component", "response-dispatcher")),
		pending:   make(map[string]waiter),
		abandoned: expirable.NewLRU[string, string](abandonedSize, nil, abandonedTTL),
	}

	for _, subject := range []string{SubjectLLMResponse, SubjectTTSResponse} {
		sub, err := client.Subscribe(subject, d.handle)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.subs = append(d.subs, sub)
	}
	return d, nil
}

// Register creates the waiter for requestID on behalf of sessionID. It must
// be called before the request is published.
func (d *Dispatcher) Register(requestID, sessionID string) <-chan Response {
	ch := make(chan Response, 1)
	d.mu.Lock()
	d.pending[requestID] = waiter{sessionID: sessionID, ch: ch}
	d.mu.Unlock()
	return ch
}

// Abandon drops the waiter for requestID. A late response for it is logged
// as a warning instead of delivered.
func (d *Dispatcher) Abandon(requestID, sessionID string) {
	d.mu.Lock()
	_, ok := d.pending[requestID]
	delete(d.pending, requestID)
	d.mu.Unlock()
	if ok {
		d.abandoned.Add(requestID, sessionID)
	}
}

// Pending returns the number of requests still awaiting a response
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) handle(msg *nats.Msg) {
	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		d.logger.Warn("Invalid response message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	d.mu.Lock()
	w, ok := d.pending[resp.RequestID]
	if ok && w.sessionID == resp.SessionID {
		delete(d.pending, resp.RequestID)
	}
	d.mu.Unlock()

	if ok {
		if w.sessionID != resp.SessionID {
			d.logger.Warn("Dropping response with mismatched session",
				zap.String("requestID", resp.RequestID),
				zap.String("expectedSessionID", w.sessionID),
				zap.String("sessionID", resp.SessionID),
				zap.String("workerID", resp.WorkerID))
			return
		}
		w.ch <- resp
		return
	}

	if sessionID, abandoned := d.abandoned.Get(resp.RequestID); abandoned {
		d.abandoned.Remove(resp.RequestID)
		d.logger.Warn("Dropping response for abandoned request",
			zap.String("requestID", resp.RequestID),
			zap.String("sessionID", sessionID),
			zap.String("workerID", resp.WorkerID))
		return
	}

	d.logger.Debug("Ignoring response for unknown request",
		zap.String("requestID", resp.RequestID),
		zap.String("subject", msg.Subject))
}

// Close unsubscribes from the response subjects
func (d *Dispatcher) Close() {
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.subs = nil
}
