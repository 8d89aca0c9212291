package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/twinvoice/domain/entities"
)

// ErrGenerationFailed is returned when the text-generation provider fails
var ErrGenerationFailed = errors.New("text generation failed")

// GenerationResult is the reply of one generation call together with the
// history that now includes both the prompt and the reply.
type GenerationResult struct {
	Reply   string                       `json:"reply"`
	History entities.ConversationHistory `json:"history"`
}

// TextGenerator abstracts any chat/LLM provider
type TextGenerator interface {
	// Generate takes a user prompt plus prior history and returns the model's reply.
	// Implementations do not retry; the caller decides.
	Generate(ctx context.Context, conversationID, prompt string, history entities.ConversationHistory) (*GenerationResult, error)
}
