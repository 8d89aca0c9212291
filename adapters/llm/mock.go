package llm

import (
	"context"
	"fmt"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

// MockGenerator is a deterministic generator for local runs and tests
type MockGenerator struct {
	// Err, when set, is returned wrapped with ErrGenerationFailed
	Err error
}

var _ repositories.TextGenerator = (*MockGenerator)(nil)

// NewMockGenerator creates a new mock generator
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

// Generate implements repositories.TextGenerator
func (m *MockGenerator) Generate(ctx context.Context, conversationID, prompt string, history entities.ConversationHistory) (*repositories.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, fmt.Errorf("%w: %v", repositories.ErrGenerationFailed, m.Err)
	}

	reply := fmt.Sprintf("Sono %s. Hai chiesto: %q. Investo solo in ciò che capisco, e penso sempre al lungo periodo.",
		DisplayName(conversationID), prompt)

	return &repositories.GenerationResult{
		Reply: reply,
		History: history.Append(
			entities.ChatMessage{Role: entities.RoleUser, Content: prompt},
			entities.ChatMessage{Role: entities.RoleAssistant, Content: reply},
		),
	}, nil
}
