package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

// ErrBrokerTimeout is returned when no worker answered before the deadline
var ErrBrokerTimeout = errors.New("timed out waiting for worker response")

// WorkerError is a failure reported by a worker in its response
type WorkerError struct {
	Code     string
	Message  string
	WorkerID string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("%s: %s (worker %s)", e.Code, e.Message, e.WorkerID)
}

// call registers a waiter, publishes req and blocks for the correlated response
func call(ctx context.Context, client *Client, d *Dispatcher, subject string, env Envelope, req any) (Response, error) {
	ch := d.Register(env.RequestID, env.SessionID)
	if err := client.Publish(subject, req); err != nil {
		d.Abandon(env.RequestID, env.SessionID)
		return Response{}, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		d.Abandon(env.RequestID, env.SessionID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{}, fmt.Errorf("%w: %s", ErrBrokerTimeout, subject)
		}
		return Response{}, ctx.Err()
	}
}

// RemoteGenerator implements TextGenerator by publishing to LLM workers
type RemoteGenerator struct {
	client     *Client
	dispatcher *Dispatcher
	logger     *zap.Logger
}

var _ repositories.TextGenerator = (*RemoteGenerator)(nil)

// NewRemoteGenerator creates a broker-backed generator
func NewRemoteGenerator(client *Client, dispatcher *Dispatcher, logger *zap.Logger) *RemoteGenerator {
	return &RemoteGenerator{client: client, dispatcher: dispatcher, logger: logger}
}

// Generate implements repositories.TextGenerator
func (g *RemoteGenerator) Generate(ctx context.Context, conversationID, prompt string, history entities.ConversationHistory) (*repositories.GenerationResult, error) {
	sessionID, _ := domain.SessionIDFromContext(ctx)
	req := LLMRequest{
		Envelope:       NewEnvelope(sessionID),
		ConversationID: conversationID,
		Prompt:         prompt,
		History:        history,
	}

	resp, err := call(ctx, g.client, g.dispatcher, SubjectLLMRequest, req.Envelope, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", repositories.ErrGenerationFailed, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %w", repositories.ErrGenerationFailed,
			&WorkerError{Code: resp.ErrorCode, Message: resp.Error, WorkerID: resp.WorkerID})
	}

	var result repositories.GenerationResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode worker result: %v", repositories.ErrGenerationFailed, err)
	}

	g.logger.Debug("LLM response received",
		zap.String("requestID", resp.RequestID),
		zap.String("workerID", resp.WorkerID),
		zap.Int64("processingTimeMs", resp.ProcessingTimeMs))
	return &result, nil
}

// RemoteSynthesizer implements SpeechSynthesizer by publishing to TTS workers
type RemoteSynthesizer struct {
	client     *Client
	dispatcher *Dispatcher
	logger     *zap.Logger
}

var _ repositories.SpeechSynthesizer = (*RemoteSynthesizer)(nil)

// NewRemoteSynthesizer creates a broker-backed synthesizer
func NewRemoteSynthesizer(client *Client, dispatcher *Dispatcher, logger *zap.Logger) *RemoteSynthesizer {
	return &RemoteSynthesizer{client: client, dispatcher: dispatcher, logger: logger}
}

// Synthesize implements repositories.SpeechSynthesizer
func (s *RemoteSynthesizer) Synthesize(ctx context.Context, sreq entities.SynthesisRequest) (*entities.SynthesisResult, error) {
	env := NewEnvelope(sreq.SessionID)
	if sreq.RequestID != "" {
		env.RequestID = sreq.RequestID
	}
	req := TTSRequest{
		Envelope:       env,
		ConversationID: sreq.ConversationID,
		Text:           sreq.Text,
		Voice:          sreq.Voice,
	}

	resp, err := call(ctx, s.client, s.dispatcher, SubjectTTSRequest, env, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", repositories.ErrSynthesisFailed, err)
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: %w", repositories.ErrSynthesisFailed,
			&WorkerError{Code: resp.ErrorCode, Message: resp.Error, WorkerID: resp.WorkerID})
	}

	var result entities.SynthesisResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("%w: decode worker result: %v", repositories.ErrSynthesisFailed, err)
	}

	s.logger.Debug("TTS response received",
		zap.String("requestID", resp.RequestID),
		zap.String("workerID", resp.WorkerID),
		zap.Int("chunks", len(result.Chunks)),
		zap.Int64("processingTimeMs", resp.ProcessingTimeMs))
	return &result, nil
}
