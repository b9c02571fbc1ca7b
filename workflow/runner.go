package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
)

// RunEmitter emits workflow-level lifecycle events.
// This interface is satisfied by hook.Registry (via an adapter in the
// engine package) to break the import cycle between workflow and hook.
type RunEmitter interface {
	StepEmitter
	EmitRunStarted(ctx context.Context, run *Run)
	EmitRunCompleted(ctx context.Context, run *Run, elapsed time.Duration)
	EmitRunFailed(ctx context.Context, run *Run, err error)
}

// Runner is the run dispatcher: it creates runs, builds the Workflow
// context, drives handlers to a terminal state, and recovers
// interrupted runs. All dependencies are injected; the Runner holds no
// global state.
type Runner struct {
	registry *Registry
	ledger   Ledger
	policy   RetryPolicy
	emitter  RunEmitter
	logger   *slog.Logger

	// In-flight executions by run ID. Concurrent recovery attempts for
	// the same run each get their own token, so Cancel signals every
	// live execution and one finishing does not drop the others.
	mu      sync.Mutex
	nextTok uint64
	cancels map[string]map[uint64]context.CancelFunc
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithDefaultRetryPolicy sets the retry policy applied to steps that
// do not override it.
func WithDefaultRetryPolicy(p RetryPolicy) RunnerOption {
	return func(r *Runner) { r.policy = p }
}

// NewRunner creates a workflow runner.
func NewRunner(registry *Registry, ledger Ledger, emitter RunEmitter, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		ledger:   ledger,
		policy:   DefaultRetryPolicy(),
		emitter:  emitter,
		logger:   logger,
		cancels:  make(map[string]map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the workflow registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Ledger returns the run ledger.
func (r *Runner) Ledger() Ledger { return r.ledger }

// Start starts a new workflow run with a typed input and blocks until
// the run reaches a terminal state. The input is JSON-marshaled and
// stored on the Run.
func Start[T any](ctx context.Context, runner *Runner, name string, input T) (*Run, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input for workflow %q: %w", name, err)
	}

	return runner.StartRaw(ctx, name, data)
}

// StartRaw starts a workflow run with pre-serialized JSON input and
// executes it synchronously. The run is stamped with the latest
// registered version.
func (r *Runner) StartRaw(ctx context.Context, name string, input []byte) (*Run, error) {
	run, fn, err := r.createRun(ctx, name, input)
	if err != nil {
		return nil, err
	}

	r.executeRun(ctx, run, fn)
	return run, nil
}

// Dispatch starts a workflow run and returns as soon as it is
// persisted; the run executes in a background goroutine. Use Status to
// observe its progress. The execution outlives the caller's context.
func (r *Runner) Dispatch(ctx context.Context, name string, input []byte) (*Run, error) {
	run, fn, err := r.createRun(ctx, name, input)
	if err != nil {
		return nil, err
	}

	go r.executeRun(context.WithoutCancel(ctx), run, fn)
	return run, nil
}

// createRun validates the workflow name, persists a new running run,
// and resolves its handler.
func (r *Runner) createRun(ctx context.Context, name string, input []byte) (*Run, RunnerFunc, error) {
	fn, ok := r.registry.Get(name)
	if !ok {
		return nil, nil, fmt.Errorf("workflow %q: %w", name, stepflow.ErrWorkflowNotFound)
	}

	now := time.Now().UTC()
	run := &Run{
		Entity:    stepflow.NewEntity(),
		ID:        id.NewRunID(),
		Name:      name,
		Version:   r.registry.LatestVersion(name),
		State:     RunStateRunning,
		Input:     input,
		StartedAt: now,
	}

	if err := r.ledger.CreateRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("create run for workflow %q: %w", name, err)
	}

	r.emitter.EmitRunStarted(ctx, run)
	return run, fn, nil
}

// Status returns the current state of a run: running, or terminal with
// its recorded result or error.
func (r *Runner) Status(ctx context.Context, runID id.RunID) (*Run, error) {
	return r.ledger.GetRun(ctx, runID)
}

// Cancel requests cancellation of a run. An in-flight run in this
// process is signalled and finishes its current step before
// terminating. A running run with no local execution (e.g. orphaned by
// a crash elsewhere) is marked cancelled directly.
func (r *Runner) Cancel(ctx context.Context, runID id.RunID) error {
	r.mu.Lock()
	var inFlight []context.CancelFunc
	for _, cancel := range r.cancels[runID.String()] {
		inFlight = append(inFlight, cancel)
	}
	r.mu.Unlock()

	if len(inFlight) > 0 {
		for _, cancel := range inFlight {
			cancel()
		}
		return nil
	}

	run, err := r.ledger.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.State.Terminal() {
		return fmt.Errorf("run %s is already %s: %w", runID, run.State, stepflow.ErrInvalidState)
	}
	return r.ledger.MarkRunTerminal(ctx, runID, RunStateCancelled, nil, context.Canceled.Error(), "")
}

// Resume resumes a workflow run that was left in the running state
// (crash recovery). It re-executes the handler from the start; steps
// with recorded outcomes are skipped automatically. The run continues
// on its stamped version (not necessarily the latest).
func (r *Runner) Resume(ctx context.Context, runID id.RunID) error {
	run, err := r.ledger.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("get run %s: %w", runID, err)
	}
	if run.State != RunStateRunning {
		return fmt.Errorf("run %s is in state %q, not running: %w", runID, run.State, stepflow.ErrInvalidState)
	}

	// Version-aware lookup so existing runs continue on their version.
	fn, ok := r.registry.GetVersion(run.Name, run.Version)
	if !ok {
		return fmt.Errorf("no workflow registered for %q version %d (run %s)", run.Name, run.Version, runID)
	}

	r.executeRun(ctx, run, fn)
	return nil
}

// ResumeAll finds all runs in the running state and resumes them.
// Called at startup for crash recovery.
func (r *Runner) ResumeAll(ctx context.Context) error {
	runs, err := r.ledger.ListRuns(ctx, ListOpts{State: RunStateRunning})
	if err != nil {
		return fmt.Errorf("list running runs: %w", err)
	}

	for _, run := range runs {
		r.logger.Info("resuming workflow run",
			slog.String("run_id", run.ID.String()),
			slog.String("workflow", run.Name),
		)
		if resumeErr := r.Resume(ctx, run.ID); resumeErr != nil {
			r.logger.Error("failed to resume workflow run",
				slog.String("run_id", run.ID.String()),
				slog.String("error", resumeErr.Error()),
			)
		}
	}

	return nil
}

// executeRun drives the handler to a terminal state and records the
// outcome exactly once. When two recovery attempts race, both replay
// the program (memoized steps short-circuit) and the ledger accepts a
// single terminal transition; the loser adopts the recorded outcome.
func (r *Runner) executeRun(ctx context.Context, run *Run, fn RunnerFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	tok := r.track(run.ID, cancel)
	defer r.untrack(run.ID, tok)

	start := time.Now()
	wf := NewWorkflowContext(runCtx, run, r.ledger, r.policy, r.emitter, r.logger)

	output, err := fn(wf, run.Input)
	elapsed := time.Since(start)

	now := time.Now().UTC()

	if err != nil {
		// Run saga compensations before marking the run terminal.
		if len(wf.Compensations()) > 0 {
			r.logger.Info("running saga compensations",
				slog.String("run_id", run.ID.String()),
				slog.Int("count", len(wf.Compensations())),
			)
			if compErr := wf.RunCompensations(); compErr != nil {
				r.logger.Error("compensation errors during workflow failure",
					slog.String("run_id", run.ID.String()),
					slog.String("error", compErr.Error()),
				)
			}
		}

		state := RunStateFailed
		if errors.Is(err, context.Canceled) {
			state = RunStateCancelled
		}

		var stepErr *StepError
		failedStep := ""
		if errors.As(err, &stepErr) {
			failedStep = stepErr.Step
		}

		r.finishRun(ctx, run, state, nil, err.Error(), failedStep, now)
		r.emitter.EmitRunFailed(ctx, run, err)
		return
	}

	r.finishRun(ctx, run, RunStateCompleted, output, "", "", now)
	r.emitter.EmitRunCompleted(ctx, run, elapsed)
}

// finishRun records the terminal transition. If a concurrent attempt
// already recorded one, the ledger's outcome wins and is copied onto
// the in-memory run.
func (r *Runner) finishRun(ctx context.Context, run *Run, state RunState, output []byte, errMsg, failedStep string, now time.Time) {
	err := r.ledger.MarkRunTerminal(ctx, run.ID, state, output, errMsg, failedStep)
	switch {
	case err == nil:
		run.State = state
		run.Output = output
		run.Error = errMsg
		run.FailedStep = failedStep
		run.CompletedAt = &now
		run.Touch()
	case errors.Is(err, stepflow.ErrInvalidState):
		// Another attempt won the terminal write; adopt its outcome.
		if recorded, getErr := r.ledger.GetRun(ctx, run.ID); getErr == nil {
			*run = *recorded
		}
		r.logger.Debug("run already terminal",
			slog.String("run_id", run.ID.String()),
			slog.String("state", string(run.State)),
		)
	default:
		r.logger.Error("failed to mark run terminal",
			slog.String("run_id", run.ID.String()),
			slog.String("state", string(state)),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runner) track(runID id.RunID, cancel context.CancelFunc) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextTok++
	key := runID.String()
	if r.cancels[key] == nil {
		r.cancels[key] = make(map[uint64]context.CancelFunc)
	}
	r.cancels[key][r.nextTok] = cancel
	return r.nextTok
}

func (r *Runner) untrack(runID id.RunID, tok uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := runID.String()
	delete(r.cancels[key], tok)
	if len(r.cancels[key]) == 0 {
		delete(r.cancels, key)
	}
}
