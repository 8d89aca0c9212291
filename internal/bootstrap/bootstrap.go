// Package bootstrap builds the collaborators shared by the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/adapters/llm"
	"github.com/satriahrh/twinvoice/adapters/tts"
	"github.com/satriahrh/twinvoice/domain/repositories"
	"github.com/satriahrh/twinvoice/internal/broker"
	"github.com/satriahrh/twinvoice/internal/config"
)

// NewGenerator returns the configured text generator
func NewGenerator(ctx context.Context, cfg config.LLMConfig, logger *zap.Logger) (repositories.TextGenerator, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return llm.NewGeminiGenerator(ctx, llm.GeminiConfig{
			APIKey:          cfg.APIKey,
			Model:           cfg.Model,
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}, logger)
	case config.ProviderMock:
		logger.Info("Using mock text generator")
		return llm.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// NewSynthesizer returns the configured speech synthesizer. The second value
// is non-nil when the provider can enumerate its voices.
func NewSynthesizer(cfg config.TTSConfig, logger *zap.Logger) (repositories.SpeechSynthesizer, *tts.ElevenLabsTTS, error) {
	switch cfg.Provider {
	case config.ProviderElevenLabs:
		synth, err := tts.NewElevenLabsTTS(tts.ElevenLabsConfig{
			APIKey:       cfg.APIKey,
			APIBaseURL:   cfg.BaseURL,
			VoiceID:      cfg.VoiceID,
			ModelID:      cfg.ModelID,
			OutputFormat: cfg.OutputFormat,
			ChunkSize:    cfg.ChunkSize,
			Stability:    cfg.Stability,
			Clarity:      cfg.Clarity,
			Timeout:      cfg.TimeoutDuration(),
		}, nil, logger)
		if err != nil {
			return nil, nil, err
		}
		return synth, synth, nil
	case config.ProviderMock:
		logger.Info("Using mock speech synthesizer")
		return tts.NewMockSynthesizer(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown tts provider %q", cfg.Provider)
	}
}

// Broker is a connected client and, when configured, the in-process server it talks to
type Broker struct {
	Client   *broker.Client
	embedded *broker.EmbeddedServer
}

// Close drains the client and stops the embedded server
func (b *Broker) Close() {
	b.Client.Close()
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
}

// ConnectBroker starts the embedded server when requested and connects to
// the broker, blocking until the connection is up or ctx ends
func ConnectBroker(ctx context.Context, cfg config.BrokerConfig, name string, logger *zap.Logger) (*Broker, error) {
	b := &Broker{}
	url := cfg.URL
	if cfg.Embedded {
		srv, err := broker.StartEmbedded(broker.EmbeddedConfig{Host: cfg.Host, Port: cfg.Port}, logger)
		if err != nil {
			return nil, err
		}
		b.embedded = srv
		url = srv.ClientURL()
	}

	client, err := broker.Connect(ctx, broker.Config{
		URL:            url,
		Name:           name,
		Token:          cfg.Token,
		Username:       cfg.Username,
		Password:       cfg.Password,
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
	}, logger)
	if err != nil {
		if b.embedded != nil {
			b.embedded.Shutdown()
		}
		return nil, err
	}
	b.Client = client
	return b, nil
}
