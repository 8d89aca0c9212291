package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/twinvoice/domain/entities"
)

var (
	// ErrVoiceNotFound is returned by a provider that does not know the requested voice
	ErrVoiceNotFound = errors.New("voice not found")
	// ErrSynthesisFailed is returned once every synthesis path has been exhausted
	ErrSynthesisFailed = errors.New("speech synthesis failed")
)

// SpeechSynthesizer turns text into an ordered list of audio chunks
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, req entities.SynthesisRequest) (*entities.SynthesisResult, error)
}
