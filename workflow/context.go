package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
)

// StepEmitter is called by the Workflow to emit step lifecycle events.
// This interface is satisfied by hook.Registry (via an adapter in the
// engine package) to break the import cycle between workflow and hook.
type StepEmitter interface {
	EmitStepCompleted(ctx context.Context, run *Run, stepName string, elapsed time.Duration)
	EmitStepFailed(ctx context.Context, run *Run, stepName string, err error)
}

// Compensation is an undo action registered by a completed step,
// run in reverse order when the workflow later fails (saga pattern).
type Compensation struct {
	StepName   string
	Compensate func(ctx context.Context) error
}

// Workflow is the execution context passed to workflow handler
// functions. It provides durable step execution, parallel fan-out, and
// durable sleep. Each method records its outcome in the ledger so that
// replaying the handler after a crash skips completed work.
type Workflow struct {
	ctx context.Context
	// recordCtx survives run cancellation: once a compute has finished,
	// its outcome must reach the ledger even when the run context was
	// cancelled mid-step. Otherwise the step stays pending and its side
	// effect re-executes on the next resume.
	recordCtx context.Context
	run       *Run
	ledger    Ledger
	policy    RetryPolicy
	emitter   StepEmitter
	logger    *slog.Logger

	mu            sync.Mutex
	declared      map[string]struct{}
	compensations []Compensation
}

// NewWorkflowContext creates a new Workflow execution context.
// This is called by the workflow runner, not by users.
func NewWorkflowContext(
	ctx context.Context,
	run *Run,
	ledger Ledger,
	policy RetryPolicy,
	emitter StepEmitter,
	logger *slog.Logger,
) *Workflow {
	return &Workflow{
		ctx:       ctx,
		recordCtx: context.WithoutCancel(ctx),
		run:       run,
		ledger:    ledger,
		policy:    policy,
		emitter:   emitter,
		logger:    logger,
		declared:  make(map[string]struct{}),
	}
}

// Context returns the underlying context.Context.
func (w *Workflow) Context() context.Context { return w.ctx }

// RunID returns the workflow run ID.
func (w *Workflow) RunID() id.RunID { return w.run.ID }

// Run returns the workflow run.
func (w *Workflow) Run() *Run { return w.run }

// reserve claims a step name for this execution. It returns an error
// when the name is already in flight: declaring a duplicate name while
// the first declaration is still pending is a programming error. A name
// whose outcome is already recorded never reaches reserve (the lookup
// short-circuits first), so memoized re-reads of a succeeded step are
// allowed.
func (w *Workflow) reserve(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.declared[name]; ok {
		return fmt.Errorf("workflow %s step %q: %w", w.run.Name, name, stepflow.ErrDuplicateStep)
	}
	w.declared[name] = struct{}{}
	return nil
}

// Compensations returns the registered compensation stack.
func (w *Workflow) Compensations() []Compensation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compensations
}

// pushCompensation registers an undo action for a completed step.
func (w *Workflow) pushCompensation(c Compensation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compensations = append(w.compensations, c)
}

// RunCompensations executes registered compensations in reverse
// registration order. All compensations run even if some fail; their
// errors are joined. Compensations receive the cancellation-surviving
// context so a cancelled run can still undo its completed steps.
func (w *Workflow) RunCompensations() error {
	comps := w.Compensations()

	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		c := comps[i]
		w.logger.Info("running compensation",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", c.StepName),
		)
		if err := c.Compensate(w.recordCtx); err != nil {
			errs = append(errs, err)
			w.logger.Error("compensation failed",
				slog.String("run_id", w.run.ID.String()),
				slog.String("step", c.StepName),
				slog.String("error", err.Error()),
			)
		}
	}
	return errors.Join(errs...)
}
