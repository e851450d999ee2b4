package domain

import "time"

// GenerationRecord is the durable trace of one finished request.
type GenerationRecord struct {
	RequestID      string    `json:"request_id"`
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negative_prompt,omitempty"`
	Size           string    `json:"size"`
	Seed           int64     `json:"seed"`
	Stream         bool      `json:"stream"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

const (
	RecordStatusCompleted = "completed"
	RecordStatusError     = "error"
)
