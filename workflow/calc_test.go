package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/workflow"
)

type calcInput struct {
	Number any `json:"number"`
}

type calcOutput struct {
	FinalResult int    `json:"finalResult"`
	Formula     string `json:"formula"`
}

// registerCalc registers a small arithmetic pipeline: validate the
// input, then add one, double, triple, and format the result.
func registerCalc(reg *workflow.Registry) {
	workflow.RegisterDefinition(reg, workflow.NewWorkflow("calculation",
		func(wf *workflow.Workflow, input calcInput) (calcOutput, error) {
			n, err := workflow.StepWithResult(wf, "validate", func(_ context.Context) (int, error) {
				f, ok := input.Number.(float64)
				if !ok {
					return 0, stepflow.Validationf("number must be numeric, got %T", input.Number)
				}
				return int(f), nil
			}, workflow.WithRetryPolicy(workflow.NoRetry()))
			if err != nil {
				return calcOutput{}, err
			}

			added, err := workflow.StepWithResult(wf, "add-one", func(_ context.Context) (int, error) {
				return n + 1, nil
			})
			if err != nil {
				return calcOutput{}, err
			}

			doubled, err := workflow.StepWithResult(wf, "double", func(_ context.Context) (int, error) {
				return added * 2, nil
			})
			if err != nil {
				return calcOutput{}, err
			}

			tripled, err := workflow.StepWithResult(wf, "triple", func(_ context.Context) (int, error) {
				return doubled * 3, nil
			})
			if err != nil {
				return calcOutput{}, err
			}

			return workflow.StepWithResult(wf, "format", func(_ context.Context) (calcOutput, error) {
				return calcOutput{
					FinalResult: tripled,
					Formula:     fmt.Sprintf("((%d + 1) × 2) × 3 = %d", n, tripled),
				}, nil
			})
		}))
}

func TestCalculation_Completes(t *testing.T) {
	runner, reg, s := newTestRunner()
	registerCalc(reg)

	run, err := runner.StartRaw(context.Background(), "calculation", []byte(`{"number":5}`))
	if err != nil {
		t.Fatalf("StartRaw: %v", err)
	}

	if run.State != workflow.RunStateCompleted {
		t.Fatalf("state = %q, want %q (error: %s)", run.State, workflow.RunStateCompleted, run.Error)
	}

	var out calcOutput
	if decErr := json.Unmarshal(run.Output, &out); decErr != nil {
		t.Fatalf("decode output: %v", decErr)
	}
	if out.FinalResult != 36 {
		t.Errorf("finalResult = %d, want 36", out.FinalResult)
	}
	if want := "((5 + 1) × 2) × 3 = 36"; out.Formula != want {
		t.Errorf("formula = %q, want %q", out.Formula, want)
	}

	steps, err := s.ListSteps(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListSteps: %v", err)
	}
	wantSteps := []string{"validate", "add-one", "double", "triple", "format"}
	if len(steps) != len(wantSteps) {
		t.Fatalf("step records = %d, want %d", len(steps), len(wantSteps))
	}
	for i, rec := range steps {
		if rec.Name != wantSteps[i] {
			t.Errorf("step[%d] = %q, want %q", i, rec.Name, wantSteps[i])
		}
		if rec.Status != workflow.StepSucceeded {
			t.Errorf("step %q status = %q, want %q", rec.Name, rec.Status, workflow.StepSucceeded)
		}
	}
}

func TestCalculation_RejectsNonNumericInput(t *testing.T) {
	runner, reg, s := newTestRunner()
	registerCalc(reg)

	run, err := runner.StartRaw(context.Background(), "calculation", []byte(`{"number":"abc"}`))
	if err != nil {
		t.Fatalf("StartRaw: %v", err)
	}

	if run.State != workflow.RunStateFailed {
		t.Fatalf("state = %q, want %q", run.State, workflow.RunStateFailed)
	}
	if run.FailedStep != "validate" {
		t.Errorf("failed step = %q, want %q", run.FailedStep, "validate")
	}
	if !strings.Contains(run.Error, "number must be numeric") {
		t.Errorf("error = %q, want it to mention the validation failure", run.Error)
	}

	// Validation is conclusive: exactly one attempt, and the pipeline
	// never reached the arithmetic steps.
	rec, err := s.GetStep(context.Background(), run.ID, "validate")
	if err != nil {
		t.Fatalf("GetStep: %v", err)
	}
	if rec.Status != workflow.StepFailed {
		t.Errorf("validate status = %q, want %q", rec.Status, workflow.StepFailed)
	}
	if rec.Attempts != 1 {
		t.Errorf("validate attempts = %d, want 1", rec.Attempts)
	}
	if _, getErr := s.GetStep(context.Background(), run.ID, "add-one"); !errors.Is(getErr, stepflow.ErrStepNotFound) {
		t.Errorf("add-one record = %v, want ErrStepNotFound", getErr)
	}
}

func TestCalculation_ResumeAfterCrash(t *testing.T) {
	runner, reg, s := newTestRunner()
	registerCalc(reg)

	// Crash after the first three steps: their outcomes are recorded,
	// the rest of the pipeline is not.
	run := seedRunningRun(t, s, "calculation", 1, []byte(`{"number":5}`))
	for _, rec := range []struct {
		name   string
		output string
	}{
		{"validate", "5"},
		{"add-one", "6"},
		{"double", "12"},
	} {
		if _, err := s.RecordStepSuccess(context.Background(), run.ID, rec.name, []byte(rec.output), 1); err != nil {
			t.Fatalf("RecordStepSuccess %q: %v", rec.name, err)
		}
	}

	if err := runner.Resume(context.Background(), run.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	stored, err := s.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if stored.State != workflow.RunStateCompleted {
		t.Fatalf("state = %q, want %q (error: %s)", stored.State, workflow.RunStateCompleted, stored.Error)
	}

	var out calcOutput
	if decErr := json.Unmarshal(stored.Output, &out); decErr != nil {
		t.Fatalf("decode output: %v", decErr)
	}
	if out.FinalResult != 36 {
		t.Errorf("finalResult = %d, want 36", out.FinalResult)
	}
}
