// Package hook defines the extension system for stepflow. Extensions
// are notified of lifecycle events (run started, step completed, run
// failed, etc.) and can react to them: logging, metrics, tracing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/stepflow/stepflow/workflow"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// RunStarted is called when a workflow run begins.
type RunStarted interface {
	OnRunStarted(ctx context.Context, r *workflow.Run) error
}

// StepCompleted is called after a workflow step completes.
type StepCompleted interface {
	OnStepCompleted(ctx context.Context, r *workflow.Run, stepName string, elapsed time.Duration) error
}

// StepFailed is called when a workflow step fails permanently.
type StepFailed interface {
	OnStepFailed(ctx context.Context, r *workflow.Run, stepName string, err error) error
}

// RunCompleted is called after a workflow run finishes successfully.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, r *workflow.Run, elapsed time.Duration) error
}

// RunFailed is called when a workflow run fails terminally.
type RunFailed interface {
	OnRunFailed(ctx context.Context, r *workflow.Run, err error) error
}

// Shutdown is called when the engine shuts down.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
