package workflow

import (
	"time"

	"github.com/stepflow/stepflow/id"
)

// StepStatus represents the lifecycle state of a step record.
type StepStatus string

const (
	// StepPending means the step has been declared but has no durable outcome.
	StepPending StepStatus = "pending"
	// StepSucceeded means the step completed and its output is recorded.
	// The output is immutable; the step's compute never runs again.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step exhausted its retry budget.
	StepFailed StepStatus = "failed"
)

// StepRecord is the durable outcome of one named step within a run,
// identified by the (run ID, step name) pair. It enables crash recovery:
// replaying the program skips every record already in StepSucceeded.
type StepRecord struct {
	ID          id.StepID  `json:"id"`
	RunID       id.RunID   `json:"run_id"`
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Output      []byte     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
