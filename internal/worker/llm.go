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

// LLMProcessor answers LLM requests with a TextGenerator
type LLMProcessor struct {
	generator repositories.TextGenerator
}

// NewLLMProcessor creates an LLM processor
func NewLLMProcessor(generator repositories.TextGenerator) *LLMProcessor {
	return &LLMProcessor{generator: generator}
}

// Type implements Processor
func (p *LLMProcessor) Type() entities.WorkerType {
	return entities.WorkerTypeLLM
}

// Process implements Processor
func (p *LLMProcessor) Process(ctx context.Context, payload []byte) (any, error) {
	var req broker.LLMRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.ConversationID == "" || req.Prompt == "" {
		return nil, fmt.Errorf("%w: conversation_id and prompt are required", errBadRequest)
	}

	ctx = domain.ContextWithSessionID(ctx, req.SessionID)
	return p.generator.Generate(ctx, req.ConversationID, req.Prompt, req.History)
}
