package entities

import "fmt"

// TurnState is the position of one prompt-in, text-plus-audio-out cycle
type TurnState string

const (
	TurnIdle           TurnState = "idle"
	TurnTextPending    TurnState = "text_pending"
	TurnTextSent       TurnState = "text_sent"
	TurnAudioPending   TurnState = "audio_pending"
	TurnAudioStreaming TurnState = "audio_streaming"
	TurnAudioComplete  TurnState = "audio_complete"
	TurnError          TurnState = "error"
)

var turnTransitions = map[TurnState][]TurnState{
	TurnIdle:           {TurnTextPending},
	TurnTextPending:    {TurnTextSent, TurnError},
	TurnTextSent:       {TurnAudioPending, TurnError},
	TurnAudioPending:   {TurnAudioStreaming, TurnError},
	TurnAudioStreaming: {TurnAudioComplete, TurnError},
	TurnAudioComplete:  {TurnIdle},
}

// CanTransition reports whether moving from s to next is allowed.
// TurnError is absorbing.
func (s TurnState) CanTransition(next TurnState) bool {
	for _, allowed := range turnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Next validates and returns the next state
func (s TurnState) Next(next TurnState) (TurnState, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("invalid turn transition %s -> %s", s, next)
	}
	return next, nil
}
