package usecase

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrSessionBusy is returned when a session already has the maximum number of turns queued
	ErrSessionBusy = errors.New("session busy")
	// ErrSessionClosed is returned when submitting to a closed runner
	ErrSessionClosed = errors.New("session closed")
)

const defaultQueueSize = 4

// TurnExecutor runs a single turn
type TurnExecutor interface {
	RunTurn(ctx context.Context, turn Turn, out Emitter) error
}

// TurnRunner serializes the turns of one session. Turns run one at a time in
// submission order so that the messages of two turns never interleave.
type TurnRunner struct {
	executor TurnExecutor
	out      Emitter
	logger   *zap.Logger

	queue  chan Turn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewTurnRunner starts the run loop for one session. queueSize <= 0 uses the default.
func NewTurnRunner(executor TurnExecutor, out Emitter, queueSize int, logger *zap.Logger) *TurnRunner {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &TurnRunner{
		executor: executor,
		out:      out,
		logger:   logger,
		queue:    make(chan Turn, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Submit enqueues a turn without blocking
func (r *TurnRunner) Submit(turn Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrSessionClosed
	}
	select {
	case r.queue <- turn:
		return nil
	default:
		return ErrSessionBusy
	}
}

// Close cancels the running turn, drops queued ones and waits for the loop to exit
func (r *TurnRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.cancel()
	<-r.done
}

func (r *TurnRunner) run() {
	defer close(r.done)
	for turn := range r.queue {
		if r.ctx.Err() != nil {
			continue
		}
		if err := r.executor.RunTurn(r.ctx, turn, r.out); err != nil {
			if errors.Is(err, context.Canceled) {
				r.logger.Debug("Turn cancelled", zap.String("sessionID", turn.SessionID))
				continue
			}
			r.logger.Warn("Turn ended with error", zap.String("sessionID", turn.SessionID), zap.Error(err))
		}
	}
}
