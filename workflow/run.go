package workflow

import (
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
)

// RunState represents the lifecycle state of a workflow run.
type RunState string

const (
	// RunStateRunning means the workflow is currently executing.
	RunStateRunning RunState = "running"
	// RunStateCompleted means the workflow finished successfully.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means the workflow failed terminally.
	RunStateFailed RunState = "failed"
	// RunStateCancelled means the workflow was cancelled before completing.
	RunStateCancelled RunState = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed || s == RunStateCancelled
}

// Run represents a single execution of a workflow program. Once a run
// reaches a terminal state it is immutable, read-only history.
type Run struct {
	stepflow.Entity

	ID          id.RunID   `json:"id"`
	Name        string     `json:"name"`
	Version     int        `json:"version,omitempty"`
	State       RunState   `json:"state"`
	Input       []byte     `json:"input,omitempty"`
	Output      []byte     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	FailedStep  string     `json:"failed_step,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
