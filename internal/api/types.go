package api

import "github.com/satriahrh/twinvoice/adapters/tts"

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by the liveness probe
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// ReadinessResponse reports every dependency check by name
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// SessionsResponse lists live sessions
type SessionsResponse struct {
	Count    int      `json:"count"`
	Sessions []string `json:"sessions"`
}

// VoicesResponse lists the voices the synthesis provider serves
type VoicesResponse struct {
	Default string      `json:"default"`
	Voices  []tts.Voice `json:"voices"`
}
