package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stepflow/stepflow/api"
	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/store/memory"
	"github.com/stepflow/stepflow/workflow"
)

type greetInput struct {
	Name string `json:"name"`
}

type greetOutput struct {
	Greeting string `json:"greeting"`
}

func newTestHandler(t *testing.T) (http.Handler, *engine.Engine) {
	t.Helper()

	eng, err := engine.New(
		engine.WithStore(memory.New()),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		engine.WithoutMetrics(),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close(context.Background()) })

	def := workflow.NewWorkflow("greet",
		func(wf *workflow.Workflow, input greetInput) (greetOutput, error) {
			greeting, stepErr := workflow.StepWithResult(wf, "compose", func(_ context.Context) (string, error) {
				return "hello " + input.Name, nil
			})
			if stepErr != nil {
				return greetOutput{}, stepErr
			}
			return greetOutput{Greeting: greeting}, nil
		})
	if regErr := engine.RegisterWorkflow(eng, def); regErr != nil {
		t.Fatalf("RegisterWorkflow: %v", regErr)
	}

	return api.New(eng).Handler(), eng
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %s: %v", rec.Body.String(), err)
	}
	return v
}

func TestStartRun_Sync(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/runs", api.StartRunRequest{
		Workflow: "greet",
		Input:    json.RawMessage(`{"name":"ada"}`),
		Sync:     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	run := decodeBody[api.RunResponse](t, rec)
	if run.State != string(workflow.RunStateCompleted) {
		t.Errorf("state = %q, want completed", run.State)
	}

	var out greetOutput
	if err := json.Unmarshal(run.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if out.Greeting != "hello ada" {
		t.Errorf("greeting = %q, want %q", out.Greeting, "hello ada")
	}
}

func TestStartRun_Async(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodPost, "/v1/runs", api.StartRunRequest{
		Workflow: "greet",
		Input:    json.RawMessage(`{"name":"bea"}`),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (body: %s)", rec.Code, rec.Body.String())
	}

	run := decodeBody[api.RunResponse](t, rec)
	if run.ID == "" {
		t.Fatal("expected run ID in response")
	}

	// Poll until the background execution finishes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		getRec := doJSON(t, h, http.MethodGet, "/v1/runs/"+run.ID, nil)
		if getRec.Code != http.StatusOK {
			t.Fatalf("GET run status = %d (body: %s)", getRec.Code, getRec.Body.String())
		}
		got := decodeBody[api.RunResponse](t, getRec)
		if workflow.RunState(got.State).Terminal() {
			if got.State != string(workflow.RunStateCompleted) {
				t.Fatalf("state = %q, want completed (error: %s)", got.State, got.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for run to finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartRun_Validation(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing workflow name", api.StartRunRequest{}, http.StatusBadRequest},
		{"unknown workflow", api.StartRunRequest{Workflow: "nope", Sync: true}, http.StatusNotFound},
		{"unknown field", map[string]any{"workflow": "greet", "bogus": 1}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, h, http.MethodPost, "/v1/runs", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body: %s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestGetRun_Errors(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/runs/not-a-run-id", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", rec.Code)
	}

	rec = doJSON(t, h, http.MethodGet, "/v1/runs/"+id.NewRunID().String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d, want 404", rec.Code)
	}
}

func TestListRunsAndSteps(t *testing.T) {
	h, _ := newTestHandler(t)

	start := doJSON(t, h, http.MethodPost, "/v1/runs", api.StartRunRequest{
		Workflow: "greet",
		Input:    json.RawMessage(`{"name":"cho"}`),
		Sync:     true,
	})
	if start.Code != http.StatusOK {
		t.Fatalf("start status = %d (body: %s)", start.Code, start.Body.String())
	}
	started := decodeBody[api.RunResponse](t, start)

	list := doJSON(t, h, http.MethodGet, "/v1/runs?state=completed", nil)
	if list.Code != http.StatusOK {
		t.Fatalf("list status = %d", list.Code)
	}
	runs := decodeBody[[]api.RunResponse](t, list)
	if len(runs) != 1 || runs[0].ID != started.ID {
		t.Errorf("runs = %+v, want the one started run", runs)
	}

	steps := doJSON(t, h, http.MethodGet, "/v1/runs/"+started.ID+"/steps", nil)
	if steps.Code != http.StatusOK {
		t.Fatalf("steps status = %d", steps.Code)
	}
	records := decodeBody[[]api.StepResponse](t, steps)
	if len(records) != 1 || records[0].Name != "compose" {
		t.Errorf("steps = %+v, want one compose record", records)
	}
	if records[0].Status != string(workflow.StepSucceeded) {
		t.Errorf("step status = %q, want succeeded", records[0].Status)
	}

	bad := doJSON(t, h, http.MethodGet, "/v1/runs?limit=nope", nil)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", bad.Code)
	}
}

func TestCancelRun_Conflict(t *testing.T) {
	h, _ := newTestHandler(t)

	start := doJSON(t, h, http.MethodPost, "/v1/runs", api.StartRunRequest{
		Workflow: "greet",
		Input:    json.RawMessage(`{"name":"dee"}`),
		Sync:     true,
	})
	if start.Code != http.StatusOK {
		t.Fatalf("start status = %d", start.Code)
	}
	started := decodeBody[api.RunResponse](t, start)

	rec := doJSON(t, h, http.MethodPost, "/v1/runs/"+started.ID+"/cancel", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel terminal run status = %d, want 409", rec.Code)
	}
}

func TestListWorkflows(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doJSON(t, h, http.MethodGet, "/v1/workflows", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeBody[api.ListWorkflowsResponse](t, rec)
	if len(resp.Workflows) != 1 || resp.Workflows[0] != "greet" {
		t.Errorf("workflows = %v, want [greet]", resp.Workflows)
	}
}
