package workflow_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stepflow/stepflow/workflow"
)

// ── Parallel Fan-Out ────────────────────────────────

func TestParallel_SubStepPendingWhileExecuting(t *testing.T) {
	runner, reg, s := newTestRunner()

	entered := make(chan struct{})
	release := make(chan struct{})
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("pending-sub-wf",
		func(wf *workflow.Workflow, _ struct{}) (struct{}, error) {
			return struct{}{}, wf.Parallel("load",
				func(_ context.Context) error {
					close(entered)
					<-release
					return nil
				},
			)
		}))

	run, err := runner.Dispatch(context.Background(), "pending-sub-wf", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// The sub-step's record exists as pending while it executes, like
	// any other step.
	<-entered
	rec, err := s.GetStep(context.Background(), run.ID, "parallel:load:0")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if rec.Status != workflow.StepPending {
		t.Errorf("in-flight sub-step status = %q, want %q", rec.Status, workflow.StepPending)
	}

	close(release)
	stored := waitForTerminal(t, s, run.ID)
	if stored.State != workflow.RunStateCompleted {
		t.Fatalf("state = %q, want %q", stored.State, workflow.RunStateCompleted)
	}

	rec, err = s.GetStep(context.Background(), run.ID, "parallel:load:0")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if rec.Status != workflow.StepSucceeded {
		t.Errorf("sub-step status = %q, want %q", rec.Status, workflow.StepSucceeded)
	}
	if rec.Attempts != 1 {
		t.Errorf("sub-step attempts = %d, want 1", rec.Attempts)
	}
}

func TestParallel_AllSucceed(t *testing.T) {
	runner, reg, s := newTestRunner()

	var done atomic.Int32
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("fanout-wf",
		func(wf *workflow.Workflow, _ struct{}) (struct{}, error) {
			return struct{}{}, wf.Parallel("notify",
				func(_ context.Context) error { done.Add(1); return nil },
				func(_ context.Context) error { done.Add(1); return nil },
				func(_ context.Context) error { done.Add(1); return nil },
			)
		}))

	run, err := workflow.Start(context.Background(), runner, "fanout-wf", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != workflow.RunStateCompleted {
		t.Fatalf("state = %q, want %q (error: %s)", run.State, workflow.RunStateCompleted, run.Error)
	}
	if done.Load() != 3 {
		t.Errorf("sub-steps run = %d, want 3", done.Load())
	}

	// Each sub-step and the group itself have records.
	steps, err := s.ListSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	if len(steps) != 4 {
		t.Errorf("step records = %d, want 4", len(steps))
	}
}

func TestParallel_SubStepFailureFailsGroup(t *testing.T) {
	runner, reg, _ := newTestRunner()

	workflow.RegisterDefinition(reg, workflow.NewWorkflow("fanout-fail",
		func(wf *workflow.Workflow, _ struct{}) (struct{}, error) {
			return struct{}{}, wf.Parallel("mixed",
				func(_ context.Context) error { return nil },
				func(_ context.Context) error { return errors.New("partition unreachable") },
			)
		}))

	run, err := workflow.Start(context.Background(), runner, "fanout-fail", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != workflow.RunStateFailed {
		t.Errorf("state = %q, want %q", run.State, workflow.RunStateFailed)
	}
}

func TestParallel_ResumeSkipsRecordedSubSteps(t *testing.T) {
	runner, reg, s := newTestRunner()

	var sub0, sub1 atomic.Int32
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("fanout-resume",
		func(wf *workflow.Workflow, _ struct{}) (struct{}, error) {
			return struct{}{}, wf.Parallel("pair",
				func(_ context.Context) error { sub0.Add(1); return nil },
				func(_ context.Context) error { sub1.Add(1); return nil },
			)
		}))

	// Crash after sub-step 0 succeeded but before the group record was
	// written: resume re-runs only sub-step 1.
	run := seedRunningRun(t, s, "fanout-resume", 1, nil)
	if _, err := s.RecordStepSuccess(context.Background(), run.ID, "parallel:pair:0", nil, 1); err != nil {
		t.Fatalf("RecordStepSuccess: %v", err)
	}

	if err := runner.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if sub0.Load() != 0 {
		t.Errorf("sub0 runs = %d, want 0 (recorded)", sub0.Load())
	}
	if sub1.Load() != 1 {
		t.Errorf("sub1 runs = %d, want 1", sub1.Load())
	}

	stored, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.State != workflow.RunStateCompleted {
		t.Errorf("state = %q, want %q", stored.State, workflow.RunStateCompleted)
	}
}

func TestParallel_RecordedGroupSkipsEverything(t *testing.T) {
	runner, reg, s := newTestRunner()

	var ran atomic.Int32
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("fanout-done",
		func(wf *workflow.Workflow, _ struct{}) (struct{}, error) {
			return struct{}{}, wf.Parallel("batch",
				func(_ context.Context) error { ran.Add(1); return nil },
				func(_ context.Context) error { ran.Add(1); return nil },
			)
		}))

	run := seedRunningRun(t, s, "fanout-done", 1, nil)
	if _, err := s.RecordStepSuccess(context.Background(), run.ID, "parallel:batch", nil, 1); err != nil {
		t.Fatalf("RecordStepSuccess: %v", err)
	}

	if err := runner.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ran.Load() != 0 {
		t.Errorf("sub-steps run = %d, want 0 (group recorded)", ran.Load())
	}
}

// ── Durable Sleep ───────────────────────────────────

func TestSleep_RecordsAndCompletes(t *testing.T) {
	runner, reg, s := newTestRunner()

	workflow.RegisterDefinition(reg, workflow.NewWorkflow("sleep-wf",
		func(wf *workflow.Workflow, _ struct{}) (struct{}, error) {
			return struct{}{}, wf.Sleep("pause", 10*time.Millisecond)
		}))

	run, err := workflow.Start(context.Background(), runner, "sleep-wf", struct{}{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.State != workflow.RunStateCompleted {
		t.Fatalf("state = %q, want %q", run.State, workflow.RunStateCompleted)
	}
	rec, err := s.GetStep(context.Background(), run.ID, "sleep:pause")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if rec.Status != workflow.StepSucceeded {
		t.Errorf("sleep status = %q, want %q", rec.Status, workflow.StepSucceeded)
	}
}

func TestSleep_SkippedOnResume(t *testing.T) {
	runner, reg, s := newTestRunner()

	workflow.RegisterDefinition(reg, workflow.NewWorkflow("sleep-resume",
		func(wf *workflow.Workflow, _ struct{}) (struct{}, error) {
			return struct{}{}, wf.Sleep("long-pause", 5*time.Second)
		}))

	run := seedRunningRun(t, s, "sleep-resume", 1, nil)
	if _, err := s.RecordStepSuccess(context.Background(), run.ID, "sleep:long-pause", nil, 1); err != nil {
		t.Fatalf("RecordStepSuccess: %v", err)
	}

	start := time.Now()
	if err := runner.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("resume took %v, recorded sleep should be skipped", elapsed)
	}

	stored, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.State != workflow.RunStateCompleted {
		t.Errorf("state = %q, want %q", stored.State, workflow.RunStateCompleted)
	}
}
