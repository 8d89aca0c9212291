package entities

import "time"

// WorkerType names the kind of generation a worker performs
type WorkerType string

const (
	WorkerTypeLLM WorkerType = "llm"
	WorkerTypeTTS WorkerType = "tts"
)

// WorkerHeartbeat is broadcast periodically by every worker. It is never persisted.
type WorkerHeartbeat struct {
	WorkerID   string     `json:"worker_id"`
	WorkerType WorkerType `json:"worker_type"`
	Timestamp  time.Time  `json:"timestamp"`
}
