package entities

import (
	"errors"
	"time"
)

// Session is one live client connection, identified by an opaque id
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Turns        int       `json:"turns"`
}

// NewSession creates a new session with the given id
func NewSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActiveAt: now,
	}
}

// Touch records client activity
func (s *Session) Touch() {
	s.LastActiveAt = time.Now()
}

// StartTurn counts a new turn and records activity
func (s *Session) StartTurn() {
	s.Turns++
	s.Touch()
}

// Validate validates the session data
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	return nil
}
