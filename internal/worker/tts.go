package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/satriahrh/twinvoice/domain"
	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
	"github.com/satriahrh/twinvoice/internal/broker"
)

// TTSProcessor answers TTS requests with a SpeechSynthesizer
type TTSProcessor struct {
	synthesizer repositories.SpeechSynthesizer
}

// NewTTSProcessor creates a TTS processor
func NewTTSProcessor(synthesizer repositories.SpeechSynthesizer) *TTSProcessor {
	return &TTSProcessor{synthesizer: synthesizer}
}

// Type implements Processor
func (p *TTSProcessor) Type() entities.WorkerType {
	return entities.WorkerTypeTTS
}

// Process implements Processor
func (p *TTSProcessor) Process(ctx context.Context, payload []byte) (any, error) {
	var req broker.TTSRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.Text == "" {
		return nil, fmt.Errorf("%w: text is required", errBadRequest)
	}

	ctx = domain.ContextWithSessionID(ctx, req.SessionID)
	result, err := p.synthesizer.Synthesize(ctx, entities.SynthesisRequest{
		RequestID:      req.RequestID,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
		Voice:          req.Voice,
	})
	if err != nil {
		return nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", repositories.ErrSynthesisFailed, err)
	}
	return result, nil
}
