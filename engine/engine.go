// Package engine wires the stepflow subsystems together. It creates the
// extension registry, workflow registry, and runner, and provides
// Register/Start/Resume operations over a configured store.
//
// This package exists to break the import cycle: the root stepflow
// package defines Entity and the error taxonomy (imported by workflow,
// store, etc.) and so cannot import those packages back. The engine
// package sits above all subsystem packages and below the application
// layer.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/hook"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/observability"
	"github.com/stepflow/stepflow/store"
	"github.com/stepflow/stepflow/workflow"
)

// hookRunEmitter adapts *hook.Registry to satisfy workflow.RunEmitter.
// This breaks the import cycle: workflow defines the interface,
// hook.Registry provides the implementation, and the engine layer
// plugs them together.
type hookRunEmitter struct {
	r *hook.Registry
}

func (a *hookRunEmitter) EmitStepCompleted(ctx context.Context, run *workflow.Run, stepName string, elapsed time.Duration) {
	a.r.EmitStepCompleted(ctx, run, stepName, elapsed)
}

func (a *hookRunEmitter) EmitStepFailed(ctx context.Context, run *workflow.Run, stepName string, err error) {
	a.r.EmitStepFailed(ctx, run, stepName, err)
}

func (a *hookRunEmitter) EmitRunStarted(ctx context.Context, run *workflow.Run) {
	a.r.EmitRunStarted(ctx, run)
}

func (a *hookRunEmitter) EmitRunCompleted(ctx context.Context, run *workflow.Run, elapsed time.Duration) {
	a.r.EmitRunCompleted(ctx, run, elapsed)
}

func (a *hookRunEmitter) EmitRunFailed(ctx context.Context, run *workflow.Run, err error) {
	a.r.EmitRunFailed(ctx, run, err)
}

// Engine owns the workflow registry, the run ledger, and the runner.
type Engine struct {
	st         store.Store
	extensions *hook.Registry
	registry   *workflow.Registry
	runner     *workflow.Runner
	policy     workflow.RetryPolicy
	logger     *slog.Logger

	// OpenTelemetry provider (optional; nil means use global).
	meterProvider metric.MeterProvider

	// lateExts holds extensions registered via options before the hook
	// registry exists.
	lateExts []hook.Extension

	metricsOff bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the persistence backend. Required.
func WithStore(st store.Store) Option {
	return func(eng *Engine) {
		eng.st = st
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(eng *Engine) {
		eng.logger = logger
	}
}

// WithExtension registers an extension with the engine.
func WithExtension(e hook.Extension) Option {
	return func(eng *Engine) {
		eng.lateExts = append(eng.lateExts, e)
	}
}

// WithRetryPolicy sets the default retry policy for all steps.
// Individual steps can override it with workflow.WithRetryPolicy.
func WithRetryPolicy(p workflow.RetryPolicy) Option {
	return func(eng *Engine) {
		eng.policy = p
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the built-in
// metrics extension. If not set, the global otel.GetMeterProvider()
// is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// WithoutMetrics disables the built-in metrics extension.
func WithoutMetrics() Option {
	return func(eng *Engine) {
		eng.metricsOff = true
	}
}

// New creates an Engine over the configured store.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		policy: workflow.DefaultRetryPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.st == nil {
		return nil, stepflow.ErrNoLedger
	}

	eng.extensions = hook.NewRegistry(eng.logger)

	// Register the observability metrics extension first so it observes
	// every run.
	if !eng.metricsOff {
		var (
			obsExt *observability.MetricsExtension
			err    error
		)
		if eng.meterProvider != nil {
			obsExt, err = observability.NewMetricsExtensionWithProvider(eng.meterProvider)
		} else {
			obsExt, err = observability.NewMetricsExtension()
		}
		if err != nil {
			return nil, err
		}
		eng.extensions.Register(obsExt)
	}
	for _, e := range eng.lateExts {
		eng.extensions.Register(e)
	}

	emitter := &hookRunEmitter{r: eng.extensions}
	eng.registry = workflow.NewRegistry()
	eng.runner = workflow.NewRunner(eng.registry, eng.st, emitter, eng.logger,
		workflow.WithDefaultRetryPolicy(eng.policy))

	return eng, nil
}

// RegisterWorkflow registers a typed workflow definition.
func RegisterWorkflow[T, R any](eng *Engine, def *workflow.Definition[T, R]) error {
	if def == nil || def.Name == "" {
		return stepflow.Validationf("workflow definition requires a name")
	}
	workflow.RegisterDefinition(eng.registry, def)
	return nil
}

// StartRun starts a run asynchronously and returns its ID immediately.
// Use RunStatus to observe progress.
func StartRun[T any](ctx context.Context, eng *Engine, name string, input T) (id.RunID, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return id.RunID{}, fmt.Errorf("stepflow/engine: marshal input for %q: %w", name, err)
	}
	run, err := eng.runner.Dispatch(ctx, name, data)
	if err != nil {
		return id.RunID{}, err
	}
	return run.ID, nil
}

// StartRunSync starts a run and blocks until it reaches a terminal state.
func StartRunSync[T any](ctx context.Context, eng *Engine, name string, input T) (*workflow.Run, error) {
	return workflow.Start(ctx, eng.runner, name, input)
}

// StartRunRaw starts a run from a pre-serialized JSON input without
// waiting for it to finish.
func (eng *Engine) StartRunRaw(ctx context.Context, name string, input []byte) (*workflow.Run, error) {
	return eng.runner.Dispatch(ctx, name, input)
}

// RunStatus returns the current state of a run from the ledger.
func (eng *Engine) RunStatus(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	return eng.runner.Status(ctx, runID)
}

// ListRuns returns runs matching the given options.
func (eng *Engine) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	return eng.st.ListRuns(ctx, opts)
}

// ListSteps returns the recorded step ledger of a run.
func (eng *Engine) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	if _, err := eng.st.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return eng.st.ListSteps(ctx, runID)
}

// CancelRun requests cancellation of a running workflow.
func (eng *Engine) CancelRun(ctx context.Context, runID id.RunID) error {
	return eng.runner.Cancel(ctx, runID)
}

// Resume re-executes an interrupted run from its ledger.
func (eng *Engine) Resume(ctx context.Context, runID id.RunID) error {
	return eng.runner.Resume(ctx, runID)
}

// ResumeAll finds all runs still marked running and re-executes them.
// Call once at startup for crash recovery.
func (eng *Engine) ResumeAll(ctx context.Context) error {
	return eng.runner.ResumeAll(ctx)
}

// Workflows returns the names of all registered workflows, sorted.
func (eng *Engine) Workflows() []string {
	return eng.registry.Names()
}

// Registry returns the workflow registry.
func (eng *Engine) Registry() *workflow.Registry { return eng.registry }

// Runner returns the underlying runner.
func (eng *Engine) Runner() *workflow.Runner { return eng.runner }

// Store returns the configured store.
func (eng *Engine) Store() store.Store { return eng.st }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Extensions returns the hook registry.
func (eng *Engine) Extensions() *hook.Registry { return eng.extensions }

// Close notifies extensions of shutdown and closes the store.
func (eng *Engine) Close(ctx context.Context) error {
	eng.extensions.EmitShutdown(ctx)
	return eng.st.Close()
}
