package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/store/memory"
	"github.com/stepflow/stepflow/workflow"
)

// noopEmitter implements workflow.RunEmitter with no-ops.
type noopEmitter struct{}

func (noopEmitter) EmitStepCompleted(_ context.Context, _ *workflow.Run, _ string, _ time.Duration) {
}
func (noopEmitter) EmitStepFailed(_ context.Context, _ *workflow.Run, _ string, _ error) {}
func (noopEmitter) EmitRunStarted(_ context.Context, _ *workflow.Run)                    {}
func (noopEmitter) EmitRunCompleted(_ context.Context, _ *workflow.Run, _ time.Duration) {}
func (noopEmitter) EmitRunFailed(_ context.Context, _ *workflow.Run, _ error)            {}

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner() (*workflow.Runner, *workflow.Registry, *memory.Store) {
	s := memory.New()
	reg := workflow.NewRegistry()
	runner := workflow.NewRunner(reg, s, noopEmitter{}, testLogger())
	return runner, reg, s
}

// seedRunningRun persists a run in the running state, as a crashed
// process would have left it, so tests can exercise Resume.
func seedRunningRun(t *testing.T, ledger workflow.Ledger, name string, version int, input []byte) *workflow.Run {
	t.Helper()

	run := &workflow.Run{
		Entity:    stepflow.NewEntity(),
		ID:        id.NewRunID(),
		Name:      name,
		Version:   version,
		State:     workflow.RunStateRunning,
		Input:     input,
		StartedAt: time.Now().UTC(),
	}
	if err := ledger.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return run
}

// waitForTerminal polls the ledger until the run leaves the running
// state or the deadline passes.
func waitForTerminal(t *testing.T, ledger workflow.Ledger, runID id.RunID) *workflow.Run {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := ledger.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.State.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal state", runID)
	return nil
}
