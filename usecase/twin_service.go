package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

const (
	defaultGenerationTimeout = 60 * time.Second
	defaultSynthesisTimeout  = 90 * time.Second
	defaultMaxHistory        = 40
	persistTimeout           = 3 * time.Second
)

// Emitter delivers one server message to a client, preserving call order
type Emitter interface {
	Emit(msgType string, data any) error
}

// HistoryCache is the cache surface the orchestrator needs
type HistoryCache interface {
	Get(ctx context.Context, conversationID string) (entities.ConversationHistory, bool)
	Set(ctx context.Context, conversationID string, history entities.ConversationHistory)
}

// Turn is one client prompt addressed to a digital twin
type Turn struct {
	SessionID string
	Chat      domain.TwinChatMessage
}

// TwinServiceConfig tunes the orchestrator
type TwinServiceConfig struct {
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
	// MaxHistoryMessages bounds both the cached history and the rows loaded from persistence
	MaxHistoryMessages int
}

// TwinService runs the text-then-audio state machine for each turn. Direct
// and queued modes differ only in the generator and synthesizer injected.
type TwinService struct {
	generator     repositories.TextGenerator
	synthesizer   repositories.SpeechSynthesizer
	history       HistoryCache
	conversations repositories.ConversationRepository
	cfg           TwinServiceConfig
	logger        *zap.Logger

	tracer      trace.Tracer
	turns       metric.Int64Counter
	textLatency metric.Float64Histogram
}

// NewTwinService creates the orchestrator. conversations may be nil.
func NewTwinService(
	generator repositories.TextGenerator,
	synthesizer repositories.SpeechSynthesizer,
	history HistoryCache,
	conversations repositories.ConversationRepository,
	cfg TwinServiceConfig,
	logger *zap.Logger,
) *TwinService {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = defaultGenerationTimeout
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = defaultSynthesisTimeout
	}
	if cfg.MaxHistoryMessages <= 0 {
		cfg.MaxHistoryMessages = defaultMaxHistory
	}

	s := &TwinService{
		generator:     generator,
		synthesizer:   synthesizer,
		history:       history,
		conversations: conversations,
		cfg:           cfg,
		logger:        logger.With(zap.String("component", "twin-service")),
		tracer:        otel.Tracer("github.com/satriahrh/twinvoice/usecase"),
	}

	meter := otel.Meter("github.com/satriahrh/twinvoice/usecase")
	var err error
	if s.turns, err = meter.Int64Counter("twin.turns", metric.WithDescription("Turns by outcome")); err != nil {
		s.logger.Warn("Failed to create turn counter", zap.Error(err))
	}
	if s.textLatency, err = meter.Float64Histogram("twin.turn.text_latency",
		metric.WithDescription("Seconds from prompt to text reply"), metric.WithUnit("s")); err != nil {
		s.logger.Warn("Failed to create latency histogram", zap.Error(err))
	}
	return s
}

// turnState tracks one turn and logs every transition
type turnState struct {
	state  entities.TurnState
	logger *zap.Logger
}

func (t *turnState) to(next entities.TurnState) {
	state, err := t.state.Next(next)
	if err != nil {
		t.logger.Error("Invalid turn transition", zap.Error(err))
		return
	}
	t.logger.Debug("Turn state", zap.String("from", string(t.state)), zap.String("to", string(next)))
	t.state = state
}

// RunTurn executes one full turn, emitting messages to out in protocol order.
// A text reply that was already sent is never retracted by a later
// synthesis failure.
func (s *TwinService) RunTurn(ctx context.Context, turn Turn, out Emitter) (err error) {
	start := time.Now()
	twinID := turn.Chat.DigitalTwinID

	ctx, span := s.tracer.Start(ctx, "twin.turn", trace.WithAttributes(
		attribute.String("session.id", turn.SessionID),
		attribute.String("twin.id", twinID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	logger := s.logger.With(zap.String("sessionID", turn.SessionID), zap.String("digitalTwinId", twinID))
	state := &turnState{state: entities.TurnIdle, logger: logger}
	ctx = domain.ContextWithSessionID(ctx, turn.SessionID)

	state.to(entities.TurnTextPending)
	history := s.loadHistory(ctx, twinID, logger)

	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerationTimeout)
	result, err := s.generator.Generate(genCtx, twinID, turn.Chat.Message, history)
	cancel()
	if err != nil {
		state.to(entities.TurnError)
		s.count(ctx, "text_failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("Text generation failed", zap.Error(err))
		emitErr := out.Emit(domain.MessageTypeError, domain.ErrorMessage{
			ErrorCode:     domain.ErrorCodeDigitalTwin,
			DigitalTwinID: twinID,
			Message:       "failed to generate a response",
			Stage:         domain.StageTwinResponse,
		})
		return errors.Join(fmt.Errorf("generate: %w", err), emitErr)
	}

	if err := out.Emit(domain.MessageTypeTwinResponse, domain.TwinResponseMessage{
		DigitalTwinID:   twinID,
		DigitalTwinName: turn.Chat.DigitalTwinName,
		Text:            result.Reply,
		SessionID:       turn.SessionID,
		TTSWillFollow:   true,
	}); err != nil {
		return fmt.Errorf("emit twin_response: %w", err)
	}
	state.to(entities.TurnTextSent)
	if s.textLatency != nil {
		s.textLatency.Record(ctx, time.Since(start).Seconds())
	}

	s.storeHistory(ctx, turn, history, result, logger)

	state.to(entities.TurnAudioPending)
	synthCtx, cancel := context.WithTimeout(ctx, s.cfg.SynthesisTimeout)
	defer cancel()
	audio, err := s.synthesizer.Synthesize(synthCtx, entities.SynthesisRequest{
		SessionID:      turn.SessionID,
		ConversationID: twinID,
		Text:           result.Reply,
		Voice:          turn.Chat.Voice,
	})
	if err == nil {
		err = audio.Validate()
	}
	if err != nil {
		state.to(entities.TurnError)
		s.count(ctx, "audio_failed")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Error("Speech synthesis failed", zap.Error(err))
		emitErr := out.Emit(domain.MessageTypeError, domain.ErrorMessage{
			ErrorCode:     domain.ErrorCodeTTS,
			DigitalTwinID: twinID,
			Message:       "failed to synthesize speech",
			Stage:         domain.StageTTSSynthesis,
		})
		return errors.Join(fmt.Errorf("synthesize: %w", err), emitErr)
	}

	if err := out.Emit(domain.MessageTypeTTSStarted, domain.TTSStartedMessage{
		SessionID:         turn.SessionID,
		DigitalTwinID:     twinID,
		Text:              result.Reply,
		Voice:             audio.Voice,
		Provider:          audio.Provider,
		Format:            audio.Format,
		EstimatedDuration: audio.EstimatedDurationSeconds,
	}); err != nil {
		return fmt.Errorf("emit tts_started: %w", err)
	}
	state.to(entities.TurnAudioStreaming)

	for _, chunk := range audio.AudioChunks() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := out.Emit(domain.MessageTypeAudioChunk, domain.AudioChunkMessage{
			SessionID:           turn.SessionID,
			ChunkIndex:          chunk.ChunkIndex,
			AudioBase64:         chunk.AudioBase64,
			TotalChunksExpected: chunk.TotalChunksExpected,
			Format:              chunk.Format,
			IsFinalChunk:        chunk.IsFinalChunk,
		}); err != nil {
			return fmt.Errorf("emit audio_chunk %d: %w", chunk.ChunkIndex, err)
		}
	}

	if err := out.Emit(domain.MessageTypeTTSComplete, domain.TTSCompleteMessage{
		SessionID:       turn.SessionID,
		DigitalTwinID:   twinID,
		TotalChunks:     len(audio.Chunks),
		TotalAudioBytes: audio.TotalBytes,
		TotalDuration:   audio.EstimatedDurationSeconds,
		AudioURL:        audio.AudioURL,
	}); err != nil {
		return fmt.Errorf("emit tts_complete: %w", err)
	}
	state.to(entities.TurnAudioComplete)
	state.to(entities.TurnIdle)
	s.count(ctx, "completed")

	logger.Info("Turn completed",
		zap.Int("chunks", len(audio.Chunks)),
		zap.Int("audioBytes", audio.TotalBytes),
		zap.Bool("streaming", audio.IsStreaming),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *TwinService) count(ctx context.Context, outcome string) {
	if s.turns != nil {
		s.turns.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// loadHistory tries the cache, then persistence, then starts empty
func (s *TwinService) loadHistory(ctx context.Context, conversationID string, logger *zap.Logger) entities.ConversationHistory {
	if history, ok := s.history.Get(ctx, conversationID); ok {
		return history
	}
	if s.conversations == nil {
		return nil
	}

	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	msgs, err := s.conversations.GetRecentMessages(pctx, conversationID, s.cfg.MaxHistoryMessages)
	if err != nil {
		logger.Warn("Failed to load history from persistence, starting empty", zap.Error(err))
		return nil
	}
	if len(msgs) == 0 {
		return nil
	}

	history := entities.HistoryFromMessages(msgs)
	s.history.Set(ctx, conversationID, history)
	return history
}

// storeHistory replaces the cached history and persists the turn when a
// repository is configured. Persistence failures are logged only.
func (s *TwinService) storeHistory(ctx context.Context, turn Turn, prior entities.ConversationHistory, result *repositories.GenerationResult, logger *zap.Logger) {
	twinID := turn.Chat.DigitalTwinID
	userMsg := entities.ChatMessage{Role: entities.RoleUser, Content: turn.Chat.Message}
	replyMsg := entities.ChatMessage{Role: entities.RoleAssistant, Content: result.Reply}

	updated := result.History
	if len(updated) != len(prior)+2 {
		updated = prior.Append(userMsg, replyMsg)
	}
	s.history.Set(ctx, twinID, updated.Tail(s.cfg.MaxHistoryMessages))

	if s.conversations == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if _, err := s.conversations.GetOrCreateConversation(pctx, twinID, turn.Chat.DigitalTwinName); err != nil {
		logger.Warn("Failed to persist conversation", zap.Error(err))
		return
	}
	if err := s.conversations.AppendMessages(pctx,
		&entities.Message{ConversationID: twinID, Role: userMsg.Role, Content: userMsg.Content},
		&entities.Message{ConversationID: twinID, Role: replyMsg.Role, Content: replyMsg.Content},
	); err != nil {
		logger.Warn("Failed to persist turn", zap.Error(err))
	}
}
