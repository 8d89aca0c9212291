package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/twinvoice/domain/entities"
	"github.com/satriahrh/twinvoice/domain/repositories"
)

const (
	ProviderElevenLabs = "elevenlabs"

	defaultAPIBaseURL   = "https://api.elevenlabs.io/v1"
	defaultChunkSize    = 4096
	defaultOutputFormat = "mp3_44100_128"
	defaultModelID      = "eleven_multilingual_v2"
	defaultStability    = 0.5
	defaultClarity      = 0.75
	defaultHTTPTimeout  = 60 * time.Second
)

// ElevenLabsConfig holds configuration for the ElevenLabs adapter.
// Only APIKey is required; every other field falls back to a default.
type ElevenLabsConfig struct {
	APIKey       string
	APIBaseURL   string
	VoiceID      string // voice used when a request carries none
	ModelID      string
	OutputFormat string
	ChunkSize    int           // read block size on the streaming path
	Stability    float64       // 0..1
	Clarity      float64       // 0..1, sent as similarity_boost
	Timeout      time.Duration // per HTTP call
}

// ElevenLabsTTS implements SpeechSynthesizer using the ElevenLabs API
type ElevenLabsTTS struct {
	apiKey       string
	apiBaseURL   string
	voiceID      string
	modelID      string
	outputFormat string
	chunkSize    int
	stability    float64
	clarity      float64
	httpClient   *http.Client
	logger       *zap.Logger
}

var _ repositories.SpeechSynthesizer = (*ElevenLabsTTS)(nil)

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

type synthesisPayload struct {
	Text                   string        `json:"text"`
	ModelID                string        `json:"model_id"`
	VoiceSettings          voiceSettings `json:"voice_settings"`
	ApplyTextNormalization string        `json:"apply_text_normalization,omitempty"`
}

// Voice is one entry of the provider's voice catalogue
type Voice struct {
	VoiceID  string `json:"voice_id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

// ValidateElevenLabsConfig validates the ElevenLabsConfig
func ValidateElevenLabsConfig(config ElevenLabsConfig) error {
	if config.APIKey == "" {
		return fmt.Errorf("eleven labs API key is required")
	}
	if config.Stability < 0 || config.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", config.Stability)
	}
	if config.Clarity < 0 || config.Clarity > 1 {
		return fmt.Errorf("clarity must be between 0 and 1, got %f", config.Clarity)
	}
	if config.ChunkSize < 0 {
		return fmt.Errorf("chunk size must be positive, got %d", config.ChunkSize)
	}
	return nil
}

// NewElevenLabsTTS creates a new ElevenLabs synthesizer. httpClient may be nil.
func NewElevenLabsTTS(config ElevenLabsConfig, httpClient *http.Client, logger *zap.Logger) (*ElevenLabsTTS, error) {
	if err := ValidateElevenLabsConfig(config); err != nil {
		return nil, err
	}

	e := &ElevenLabsTTS{
		apiKey:       config.APIKey,
		apiBaseURL:   strings.TrimRight(config.APIBaseURL, "/"),
		voiceID:      ResolveVoice(config.VoiceID),
		modelID:      config.ModelID,
		outputFormat: config.OutputFormat,
		chunkSize:    config.ChunkSize,
		stability:    config.Stability,
		clarity:      config.Clarity,
		httpClient:   httpClient,
		logger:       logger,
	}
	if e.apiBaseURL == "" {
		e.apiBaseURL = defaultAPIBaseURL
	}
	if e.modelID == "" {
		e.modelID = defaultModelID
	}
	if e.outputFormat == "" {
		e.outputFormat = defaultOutputFormat
	}
	if e.chunkSize == 0 {
		e.chunkSize = defaultChunkSize
	}
	if e.stability == 0 {
		e.stability = defaultStability
	}
	if e.clarity == 0 {
		e.clarity = defaultClarity
	}
	if e.httpClient == nil {
		timeout := config.Timeout
		if timeout == 0 {
			timeout = defaultHTTPTimeout
		}
		e.httpClient = &http.Client{Timeout: timeout}
	}

	logger.Info("ElevenLabs synthesizer configured",
		zap.String("apiBaseURL", e.apiBaseURL),
		zap.String("voiceID", e.voiceID),
		zap.String("modelID", e.modelID),
		zap.String("outputFormat", e.outputFormat),
		zap.Int("chunkSize", e.chunkSize))

	return e, nil
}

// Synthesize converts text to audio. It tries streaming synthesis across the
// voice fallback chain first, then complete-buffer synthesis, and fails with
// ErrSynthesisFailed only when both are exhausted.
func (e *ElevenLabsTTS) Synthesize(ctx context.Context, req entities.SynthesisRequest) (*entities.SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", repositories.ErrSynthesisFailed)
	}

	requested := req.Voice
	if requested == "" {
		requested = e.voiceID
	}
	voice := ResolveVoice(requested)
	if voice != requested {
		e.logger.Info("Requested voice not usable, using default",
			zap.String("requested", requested),
			zap.String("voice", voice))
	}

	payload, err := json.Marshal(synthesisPayload{
		Text:                   req.Text,
		ModelID:                e.modelID,
		ApplyTextNormalization: "auto",
		VoiceSettings: voiceSettings{
			Stability:       e.stability,
			SimilarityBoost: e.clarity,
			UseSpeakerBoost: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	result, streamErr := e.walkVoices(ctx, voice, "stream", func(v string) (*entities.SynthesisResult, error) {
		return e.stream(ctx, v, payload)
	})
	if streamErr == nil {
		result.SessionID = req.SessionID
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	e.logger.Warn("Streaming synthesis failed, falling back to complete buffer", zap.Error(streamErr))

	result, bufferErr := e.walkVoices(ctx, voice, "buffer", func(v string) (*entities.SynthesisResult, error) {
		return e.buffer(ctx, v, payload)
	})
	if bufferErr == nil {
		result.SessionID = req.SessionID
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return nil, fmt.Errorf("%w: stream: %v; buffer: %v", repositories.ErrSynthesisFailed, streamErr, bufferErr)
}

// walkVoices tries attempt with each candidate voice, moving on only when the
// provider reports the voice as unknown. Every voice is tried at most once.
func (e *ElevenLabsTTS) walkVoices(ctx context.Context, first, path string, attempt func(voice string) (*entities.SynthesisResult, error)) (*entities.SynthesisResult, error) {
	var lastErr error
	for _, v := range VoiceCandidates(first) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result, err := attempt(v)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !errors.Is(err, repositories.ErrVoiceNotFound) {
			return nil, err
		}
		e.logger.Warn("Voice not found, trying next voice",
			zap.String("path", path),
			zap.String("voice", v))
	}
	return nil, fmt.Errorf("all voices exhausted: %w", lastErr)
}

func (e *ElevenLabsTTS) newRequest(ctx context.Context, url string, payload []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Accept", "audio/mpeg")
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("xi-api-key", e.apiKey)
	return httpReq, nil
}

func (e *ElevenLabsTTS) stream(ctx context.Context, voice string, payload []byte) (*entities.SynthesisResult, error) {
	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s&enable_logging=false",
		e.apiBaseURL, voice, e.outputFormat)
	httpReq, err := e.newRequest(ctx, url, payload)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Sending streaming request to ElevenLabs", zap.String("url", url))
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	if isJSON(resp.Header.Get("Content-Type")) {
		return nil, errors.New("streaming endpoint returned a non-incremental JSON body")
	}

	var chunks []string
	totalBytes := 0
	buf := make([]byte, e.chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			totalBytes += n
			chunks = append(chunks, base64.StdEncoding.EncodeToString(buf[:n]))
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("error reading audio stream: %w", readErr)
		}
	}
	if len(chunks) == 0 {
		return nil, errors.New("streaming endpoint returned no audio")
	}

	e.logger.Info("Finished streaming audio data",
		zap.String("voice", voice),
		zap.Int("totalChunks", len(chunks)),
		zap.Int("totalBytes", totalBytes))

	return &entities.SynthesisResult{
		Voice:                    voice,
		Provider:                 ProviderElevenLabs,
		Format:                   e.outputFormat,
		Chunks:                   chunks,
		TotalBytes:               totalBytes,
		EstimatedDurationSeconds: entities.EstimateDuration(totalBytes),
		IsStreaming:              true,
	}, nil
}

func (e *ElevenLabsTTS) buffer(ctx context.Context, voice string, payload []byte) (*entities.SynthesisResult, error) {
	url := fmt.Sprintf("%s/text-to-speech/%s?output_format=%s", e.apiBaseURL, voice, e.outputFormat)
	httpReq, err := e.newRequest(ctx, url, payload)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("Sending buffer request to ElevenLabs", zap.String("url", url))
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read audio body: %w", err)
	}

	var audio []byte
	if isJSON(resp.Header.Get("Content-Type")) {
		var envelope struct {
			AudioBase64 string `json:"audio_base64"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, fmt.Errorf("failed to decode audio envelope: %w", err)
		}
		audio, err = base64.StdEncoding.DecodeString(envelope.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode audio payload: %w", err)
		}
	} else {
		audio = body
	}
	if len(audio) == 0 {
		return nil, errors.New("buffer endpoint returned no audio")
	}

	encoded := base64.StdEncoding.EncodeToString(audio)
	return &entities.SynthesisResult{
		Voice:                    voice,
		Provider:                 ProviderElevenLabs,
		Format:                   e.outputFormat,
		Chunks:                   []string{encoded},
		TotalBytes:               len(audio),
		EstimatedDurationSeconds: entities.EstimateDuration(len(audio)),
		IsStreaming:              false,
		AudioURL:                 "data:" + mimeType(e.outputFormat) + ";base64," + encoded,
	}, nil
}

// Voices retrieves the provider's voice catalogue
func (e *ElevenLabsTTS) Voices(ctx context.Context) ([]Voice, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.apiBaseURL+"/voices", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errorBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned error %d: %s", resp.StatusCode, string(errorBody))
	}

	var voicesResponse struct {
		Voices []Voice `json:"voices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&voicesResponse); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	e.logger.Info("Retrieved available voices", zap.Int("count", len(voicesResponse.Voices)))
	return voicesResponse.Voices, nil
}

// checkStatus maps a non-200 response to an error. Voice-not-found is
// reported as ErrVoiceNotFound so the caller can walk the fallback chain.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusNotFound,
		(resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity) &&
			bytes.Contains(body, []byte("voice_not_found")):
		return fmt.Errorf("%w: status %d", repositories.ErrVoiceNotFound, resp.StatusCode)
	}
	return fmt.Errorf("API returned error %d: %s", resp.StatusCode, string(body))
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "application/json"
}

func mimeType(outputFormat string) string {
	switch {
	case strings.HasPrefix(outputFormat, "pcm"):
		return "audio/pcm"
	case strings.HasPrefix(outputFormat, "ulaw"):
		return "audio/basic"
	case strings.HasPrefix(outputFormat, "opus"):
		return "audio/opus"
	}
	return "audio/mpeg"
}
