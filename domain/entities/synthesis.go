package entities

import (
	"errors"
	"fmt"
)

// AssumedBitrate is the average bitrate (bits per second) used to estimate
// audio duration from a byte count. It matches 128 kbps MP3 output.
const AssumedBitrate = 128_000

// SynthesisRequest asks for one piece of text to be spoken
type SynthesisRequest struct {
	RequestID      string `json:"request_id"`
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	Voice          string `json:"voice,omitempty"`
}

// SynthesisResult is the uniform output of speech synthesis, whichever path produced it.
type SynthesisResult struct {
	SessionID string `json:"session_id"`
	Voice     string `json:"voice"`
	Provider  string `json:"provider"`
	Format    string `json:"format"`
	// Chunks holds base64-encoded audio blocks in playback order.
	Chunks     []string `json:"chunks"`
	TotalBytes int      `json:"total_bytes"`
	// EstimatedDurationSeconds is derived from TotalBytes and AssumedBitrate.
	// It is an approximation, not a measured duration.
	EstimatedDurationSeconds float64 `json:"estimated_duration_seconds"`
	IsStreaming              bool    `json:"is_streaming"`
	// AudioURL is a data URI of the whole payload, set only when IsStreaming is false.
	AudioURL string `json:"audio_url,omitempty"`
}

// AudioChunk is one ordered audio block ready to be sent to a client
type AudioChunk struct {
	SessionID           string
	ChunkIndex          int
	TotalChunksExpected int
	IsFinalChunk        bool
	Format              string
	AudioBase64         string
}

// EstimateDuration converts a byte count to seconds at AssumedBitrate
func EstimateDuration(totalBytes int) float64 {
	if totalBytes <= 0 {
		return 0
	}
	return float64(totalBytes) * 8 / AssumedBitrate
}

// Validate checks the chunk-accounting contract clients rely on
func (r *SynthesisResult) Validate() error {
	if r == nil {
		return errors.New("synthesis result is nil")
	}
	if len(r.Chunks) == 0 {
		return errors.New("synthesis result has no chunks")
	}
	if !r.IsStreaming {
		if len(r.Chunks) != 1 {
			return fmt.Errorf("non-streaming result must have exactly one chunk, got %d", len(r.Chunks))
		}
		if r.AudioURL == "" {
			return errors.New("non-streaming result must carry an audio url")
		}
	}
	if r.IsStreaming && r.AudioURL != "" {
		return errors.New("streaming result must not carry an audio url")
	}
	return nil
}

// AudioChunks derives the per-chunk messages. The total is fixed up front and
// the final flag is set only on the last index.
func (r *SynthesisResult) AudioChunks() []AudioChunk {
	total := len(r.Chunks)
	out := make([]AudioChunk, total)
	for i, data := range r.Chunks {
		out[i] = AudioChunk{
			SessionID:           r.SessionID,
			ChunkIndex:          i,
			TotalChunksExpected: total,
			IsFinalChunk:        i == total-1,
			Format:              r.Format,
			AudioBase64:         data,
		}
	}
	return out
}
