package domain

import (
	"encoding/json"
	"time"
)

// LaunchLog represents a log line emitted during build or runtime.
type LaunchLog struct {
	ID        int64           `json:"id"`
	LaunchID  string          `json:"launch_id"`
	Source    string          `json:"source"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
