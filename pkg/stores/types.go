package stores

import (
	"time"
)

// RunStatus is the recorded outcome of a plan run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusDropped   RunStatus = "dropped"
	RunStatusRejected  RunStatus = "rejected"
)

// Finished reports whether the status is terminal.
func (s RunStatus) Finished() bool {
	return s != RunStatusRunning
}

// Run is one execution attempt of a plan.
type Run struct {
	ID          string     `json:"id"`
	PlanID      string     `json:"plan_id"`
	Status      RunStatus  `json:"status"`
	Stamp       int64      `json:"stamp"`
	Commands    int        `json:"commands"`
	Failures    int        `json:"failures"`
	Reboot      bool       `json:"reboot"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Event is a journaled telemetry event.
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RunID     *string   `json:"run_id,omitempty"`
	PlanID    *string   `json:"plan_id,omitempty"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Command   *string   `json:"command,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// EventQuery filters GetEvents. Empty fields match everything.
type EventQuery struct {
	RunID  string
	PlanID string
	Type   string
	Limit  int
	Offset int
}
