package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal returns true once the run can no longer transition
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is a legal
// step along pending -> running -> terminal
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		// A pending run may fail or be cancelled before it ever starts
		return next == StatusRunning || next.IsTerminal()
	case StatusRunning:
		return next.IsTerminal()
	}
	return false
}

// Run is the persisted record for one assistant invocation.
// WorkspacePath is written as soon as the workspace exists, before the
// process starts; every downstream lookup is keyed by RunID, never by
// SessionID.
type Run struct {
	RunID         string     `json:"run_id"`
	WorkflowName  string     `json:"workflow_name"`
	SessionID     string     `json:"session_id,omitempty"`
	WorkspacePath string     `json:"workspace_path,omitempty"`
	Status        Status     `json:"status"`
	Persistent    bool       `json:"persistent"`
	PID           int        `json:"pid,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Result        string     `json:"result,omitempty"`
	ExitCode      *int       `json:"exit_code,omitempty"`
	Error         string     `json:"error,omitempty"`
}

// Workspace is a version-controlled directory bound to at most one
// active run at a time
type Workspace struct {
	Path         string    `json:"path"`
	WorkflowName string    `json:"workflow_name"`
	Branch       string    `json:"branch"`
	Persistent   bool      `json:"persistent"`
	InUse        bool      `json:"in_use"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// NewRunID generates an identifier of the form run-<utc-stamp>-<uuid8>
func NewRunID() string {
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

// New creates a pending run record for the given workflow
func New(workflowName string, persistent bool) *Run {
	now := time.Now().UTC()
	return &Run{
		RunID:        NewRunID(),
		WorkflowName: workflowName,
		Status:       StatusPending,
		Persistent:   persistent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
