package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

const ProviderMock = "mock"

// MockSynthesizer produces deterministic fake audio without network calls
type MockSynthesizer struct {
	// ChunkSize is the number of fake audio bytes per chunk
	ChunkSize int
	// Err, when set, is returned wrapped with ErrSynthesisFailed
	Err error
}

var _ repositories.SpeechSynthesizer = (*MockSynthesizer)(nil)

// NewMockSynthesizer creates a new mock synthesizer
func NewMockSynthesizer() *MockSynthesizer {
	return &MockSynthesizer{ChunkSize: 64}
}

// Synthesize implements repositories.SpeechSynthesizer
func (m *MockSynthesizer) Synthesize(ctx context.Context, req entities.SynthesisRequest) (*entities.SynthesisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, fmt.Errorf("%w: %v", repositories.ErrSynthesisFailed, m.Err)
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", repositories.ErrSynthesisFailed)
	}

	size := m.ChunkSize
	if size <= 0 {
		size = 64
	}
	audio := []byte(req.Text)
	var chunks []string
	for start := 0; start < len(audio); start += size {
		end := min(start+size, len(audio))
		chunks = append(chunks, base64.StdEncoding.EncodeToString(audio[start:end]))
	}

	return &entities.SynthesisResult{
		SessionID:                req.SessionID,
		Voice:                    ResolveVoice(req.Voice),
		Provider:                 ProviderMock,
		Format:                   defaultOutputFormat,
		Chunks:                   chunks,
		TotalBytes:               len(audio),
		EstimatedDurationSeconds: entities.EstimateDuration(len(audio)),
		IsStreaming:              true,
	}, nil
}
