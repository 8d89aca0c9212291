package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

func TestMockGenerator_AppendsTurn(t *testing.T) {
	gen := NewMockGenerator()
	prior := entities.ConversationHistory{{Role: entities.RoleUser, Content: "Ciao"}, {Role: entities.RoleAssistant, Content: "Ciao!"}}

	result, err := gen.Generate(context.Background(), "warren-buffett", "Cosa pensi degli investimenti in tecnologia?", prior)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if result.Reply == "" {
		t.Error("Expected non-empty reply")
	}
	if len(result.History) != 4 {
		t.Fatalf("Expected 4 history entries, got %d", len(result.History))
	}
	if result.History[2].Role != entities.RoleUser || result.History[3].Role != entities.RoleAssistant {
		t.Errorf("Expected user then assistant appended, got %s then %s", result.History[2].Role, result.History[3].Role)
	}
	if len(prior) != 2 {
		t.Errorf("Expected prior history untouched, got %d entries", len(prior))
	}
}

func TestMockGenerator_Error(t *testing.T) {
	gen := &MockGenerator{Err: errors.New("quota exceeded")}

	_, err := gen.Generate(context.Background(), "warren-buffett", "hi", nil)
	if !errors.Is(err, repositories.ErrGenerationFailed) {
		t.Errorf("Expected ErrGenerationFailed, got %v", err)
	}
}

func TestDisplayNameAndPersona(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"warren-buffett", "Warren Buffett"},
		{"steve_jobs", "Steve Jobs"},
		{"émile-zola", "Émile Zola"},
		{"łukasz_ćwik", "Łukasz Ćwik"},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := DisplayName(tt.id); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
	if !strings.Contains(Persona("warren-buffett"), "Warren Buffett") {
		t.Error("Expected persona to name the twin")
	}
}

func TestValidateGeminiConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GeminiConfig
		wantErr bool
	}{
		{"missing key", GeminiConfig{}, true},
		{"defaults", GeminiConfig{APIKey: "k"}, false},
		{"bad topP", GeminiConfig{APIKey: "k", TopP: 1.5}, true},
		{"negative tokens", GeminiConfig{APIKey: "k", MaxOutputTokens: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGeminiConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}
