package workflow

import (
	"context"

	"github.com/stepflow/stepflow/id"
)

// ListOpts controls pagination for run list queries.
type ListOpts struct {
	// Limit is the maximum number of runs to return. Zero means no limit.
	Limit int
	// Offset is the number of runs to skip.
	Offset int
	// State filters by run state. Empty means all states.
	State RunState
}

// Ledger is the persistence contract for runs and step records. All
// mutations for a given (run ID, step name) pair must be linearizable:
// when two writers race, exactly one outcome is recorded and both
// observe it.
type Ledger interface {
	// CreateRun persists a new run in the running state.
	// Returns stepflow.ErrRunAlreadyExists on an ID collision.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	// Returns stepflow.ErrRunNotFound if no such run exists.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// ListRuns returns runs matching the given options, oldest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// MarkRunTerminal transitions a run to a terminal state exactly once,
	// recording its output or error. Returns stepflow.ErrInvalidState if
	// the run is already terminal, stepflow.ErrRunNotFound if absent.
	MarkRunTerminal(ctx context.Context, runID id.RunID, state RunState, output []byte, runErr, failedStep string) error

	// GetStep retrieves the step record for (runID, stepName).
	// Returns stepflow.ErrStepNotFound if the step was never declared.
	GetStep(ctx context.Context, runID id.RunID, stepName string) (*StepRecord, error)

	// BeginStep creates a pending record for (runID, stepName) with its
	// first-attempted timestamp. If a record already exists it is
	// returned unchanged.
	BeginStep(ctx context.Context, runID id.RunID, stepName string) (*StepRecord, error)

	// RecordStepSuccess records a step's output. The first success wins:
	// if the record is already succeeded, the call is a no-op and the
	// originally recorded output is returned, never overwritten. Creates
	// the record if it does not exist. Always returns the authoritative
	// record.
	RecordStepSuccess(ctx context.Context, runID id.RunID, stepName string, output []byte, attempts int) (*StepRecord, error)

	// RecordStepFailure records a step's permanent failure after attempts
	// tries. A no-op if the record is already succeeded (the winner's
	// record is returned). Creates the record if it does not exist.
	RecordStepFailure(ctx context.Context, runID id.RunID, stepName string, stepErr string, attempts int) (*StepRecord, error)

	// ListSteps returns all step records for a run, oldest first.
	ListSteps(ctx context.Context, runID id.RunID) ([]*StepRecord, error)
}
