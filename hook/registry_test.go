package hook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stepflow/stepflow/hook"
	"github.com/stepflow/stepflow/workflow"
)

// recordingExtension opts in to every lifecycle hook and records calls.
type recordingExtension struct {
	calls []string
	err   error
}

func (e *recordingExtension) Name() string { return "recording" }

func (e *recordingExtension) OnRunStarted(_ context.Context, _ *workflow.Run) error {
	e.calls = append(e.calls, "run-started")
	return e.err
}

func (e *recordingExtension) OnStepCompleted(_ context.Context, _ *workflow.Run, _ string, _ time.Duration) error {
	e.calls = append(e.calls, "step-completed")
	return e.err
}

func (e *recordingExtension) OnStepFailed(_ context.Context, _ *workflow.Run, _ string, _ error) error {
	e.calls = append(e.calls, "step-failed")
	return e.err
}

func (e *recordingExtension) OnRunCompleted(_ context.Context, _ *workflow.Run, _ time.Duration) error {
	e.calls = append(e.calls, "run-completed")
	return e.err
}

func (e *recordingExtension) OnRunFailed(_ context.Context, _ *workflow.Run, _ error) error {
	e.calls = append(e.calls, "run-failed")
	return e.err
}

func (e *recordingExtension) OnShutdown(_ context.Context) error {
	e.calls = append(e.calls, "shutdown")
	return e.err
}

// nameOnlyExtension implements no lifecycle hooks at all.
type nameOnlyExtension struct{}

func (nameOnlyExtension) Name() string { return "name-only" }

func newRegistry() *hook.Registry {
	return hook.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistry_DispatchesToOptedInHooks(t *testing.T) {
	r := newRegistry()
	ext := &recordingExtension{}
	r.Register(ext)
	r.Register(nameOnlyExtension{})

	ctx := context.Background()
	run := &workflow.Run{Name: "wf"}

	r.EmitRunStarted(ctx, run)
	r.EmitStepCompleted(ctx, run, "step-1", time.Millisecond)
	r.EmitStepFailed(ctx, run, "step-2", errors.New("boom"))
	r.EmitRunCompleted(ctx, run, time.Millisecond)
	r.EmitRunFailed(ctx, run, errors.New("boom"))
	r.EmitShutdown(ctx)

	want := []string{
		"run-started", "step-completed", "step-failed",
		"run-completed", "run-failed", "shutdown",
	}
	if len(ext.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", ext.calls, want)
	}
	for i := range want {
		if ext.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, ext.calls[i], want[i])
		}
	}
}

func TestRegistry_HookErrorsDoNotPropagate(t *testing.T) {
	r := newRegistry()
	failing := &recordingExtension{err: errors.New("hook exploded")}
	after := &recordingExtension{}
	r.Register(failing)
	r.Register(after)

	// A failing hook is logged, never surfaced; later extensions still run.
	r.EmitRunStarted(context.Background(), &workflow.Run{Name: "wf"})

	if len(failing.calls) != 1 {
		t.Errorf("failing calls = %v, want one run-started", failing.calls)
	}
	if len(after.calls) != 1 {
		t.Errorf("after calls = %v, want one run-started", after.calls)
	}
}
