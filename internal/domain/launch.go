package domain

import (
	"encoding/json"
	"time"
)

// Launch statuses, in lifecycle order. The lifecycle is strictly linear:
// queued -> building -> starting -> running -> stopped|crashed, with failed
// reachable from any pre-running stage and cancelled from any stage.
const (
	StatusQueued    = "queued"
	StatusBuilding  = "building"
	StatusStarting  = "starting"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusCrashed   = "crashed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Launch captures a single build-then-run attempt of an application.
type Launch struct {
	ID          string          `json:"id"`
	App         string          `json:"app"`
	Source      string          `json:"source"`
	AppObject   string          `json:"app_object"`
	Image       string          `json:"image"`
	Status      string          `json:"status"`
	Stage       string          `json:"stage"`
	Message     string          `json:"message"`
	Error       string          `json:"error,omitempty"`
	HostAddr    string          `json:"host_addr,omitempty"`
	ExitCode    *int64          `json:"exit_code,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TerminalStatus reports whether the status names a final state. Terminal
// launches never transition again.
func TerminalStatus(status string) bool {
	switch status {
	case StatusStopped, StatusCrashed, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether the launch reached a final state.
func (l Launch) Terminal() bool {
	return TerminalStatus(l.Status)
}

// LaunchStatusUpdate captures mutable fields for a launch.
type LaunchStatusUpdate struct {
	LaunchID    string
	Status      string
	Stage       string
	Message     string
	Error       string
	HostAddr    string
	ExitCode    *int64
	Metadata    json.RawMessage
	CompletedAt *time.Time
}
