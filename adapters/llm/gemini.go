package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

const (
	defaultModel       = "gemini-2.0-flash"
	defaultTemperature = 0.7
	defaultTopP        = 0.95
	defaultTopK        = 40
	defaultMaxTokens   = 512
)

// GeminiConfig holds configuration for the Gemini generator
type GeminiConfig struct {
	APIKey          string
	Model           string
	Temperature     float32
	TopP            float32
	TopK            float32
	MaxOutputTokens int
}

// ValidateGeminiConfig validates the GeminiConfig
func ValidateGeminiConfig(config GeminiConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("Google AI API key is required")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", config.Temperature)
	}
	if config.TopP < 0 || config.TopP > 1 {
		return fmt.Errorf("topP must be between 0 and 1, got %f", config.TopP)
	}
	if config.TopK < 0 {
		return fmt.Errorf("topK must be positive, got %f", config.TopK)
	}
	if config.MaxOutputTokens < 0 {
		return fmt.Errorf("maxOutputTokens must be positive, got %d", config.MaxOutputTokens)
	}
	return nil
}

// GeminiGenerator implements TextGenerator using Google's Gemini API
type GeminiGenerator struct {
	client          *genai.Client
	logger          *zap.Logger
	model           string
	temperature     float32
	topP            float32
	topK            float32
	maxOutputTokens int
}

var _ repositories.TextGenerator = (*GeminiGenerator)(nil)

// NewGeminiGenerator creates a new Gemini-backed generator
func NewGeminiGenerator(ctx context.Context, config GeminiConfig, logger *zap.Logger) (*GeminiGenerator, error) {
	if err := ValidateGeminiConfig(config); err != nil {
		return nil, err
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	g := &GeminiGenerator{
		client:          client,
		logger:          logger,
		model:           config.Model,
		temperature:     config.Temperature,
		topP:            config.TopP,
		topK:            config.TopK,
		maxOutputTokens: config.MaxOutputTokens,
	}
	if g.model == "" {
		g.model = defaultModel
	}
	if g.temperature == 0 {
		g.temperature = defaultTemperature
	}
	if g.topP == 0 {
		g.topP = defaultTopP
	}
	if g.topK == 0 {
		g.topK = defaultTopK
	}
	if g.maxOutputTokens == 0 {
		g.maxOutputTokens = defaultMaxTokens
	}

	logger.Info("Gemini generator configured", zap.String("model", g.model))
	return g, nil
}

// Generate sends the prompt with prior history and returns the reply.
// Provider errors are wrapped with ErrGenerationFailed and never retried here.
func (g *GeminiGenerator) Generate(ctx context.Context, conversationID, prompt string, history entities.ConversationHistory) (*repositories.GenerationResult, error) {
	contents := toGeminiContents(history)
	contents = append(contents, genai.NewContentFromText(prompt, genai.RoleUser))

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(Persona(conversationID), genai.RoleUser),
		Temperature:       genai.Ptr(g.temperature),
		TopP:              genai.Ptr(g.topP),
		TopK:              genai.Ptr(g.topK),
		MaxOutputTokens:   int32(g.maxOutputTokens),
	}

	response, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", repositories.ErrGenerationFailed, err)
	}

	if len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: no candidates returned", repositories.ErrGenerationFailed)
	}

	var reply strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part.Text != "" {
			reply.WriteString(part.Text)
		}
	}
	if reply.Len() == 0 {
		return nil, fmt.Errorf("%w: empty response", repositories.ErrGenerationFailed)
	}

	text := strings.TrimSpace(reply.String())
	g.logger.Info("Generated reply",
		zap.String("conversationID", conversationID),
		zap.Int("historyLength", len(history)),
		zap.Int("replyLength", len(text)))

	return &repositories.GenerationResult{
		Reply: text,
		History: history.Append(
			entities.ChatMessage{Role: entities.RoleUser, Content: prompt},
			entities.ChatMessage{Role: entities.RoleAssistant, Content: text},
		),
	}, nil
}

// Persona builds the system instruction for a digital twin from its conversation id
func Persona(conversationID string) string {
	name := DisplayName(conversationID)
	return fmt.Sprintf("You are the digital twin of %s. Answer as %s would, in the first person, "+
		"in the same language the user writes in. Keep replies short enough to be spoken aloud.", name, name)
}

// DisplayName turns an id like "warren-buffett" into "Warren Buffett"
func DisplayName(conversationID string) string {
	words := strings.FieldsFunc(conversationID, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func toGeminiContents(history entities.ConversationHistory) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, msg := range history {
		role := genai.Role(genai.RoleUser)
		if msg.Role == entities.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}
