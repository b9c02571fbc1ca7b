// Package api exposes the engine over HTTP using the standard library
// ServeMux with method and path patterns. Handlers translate requests
// into engine calls and ledger reads; no run or step logic lives here.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/workflow"
)

// API wires the HTTP handlers for the stepflow engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New creates an API from a stepflow Engine.
func New(eng *engine.Engine) *API {
	return &API{eng: eng, logger: eng.Logger()}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/runs", a.startRun)
	mux.HandleFunc("GET /v1/runs", a.listRuns)
	mux.HandleFunc("GET /v1/runs/{runID}", a.getRun)
	mux.HandleFunc("GET /v1/runs/{runID}/steps", a.listSteps)
	mux.HandleFunc("POST /v1/runs/{runID}/cancel", a.cancelRun)
	mux.HandleFunc("GET /v1/workflows", a.listWorkflows)

	return mux
}

// ── request/response types ───────────────────────────────────────

// StartRunRequest is the body of POST /v1/runs.
type StartRunRequest struct {
	// Workflow is the registered workflow name.
	Workflow string `json:"workflow"`
	// Input is the raw JSON input passed to the workflow.
	Input json.RawMessage `json:"input"`
	// Sync makes the request block until the run is terminal.
	Sync bool `json:"sync,omitempty"`
}

// RunResponse is the wire form of a workflow run. Input and Output stay
// raw JSON instead of base64-encoded bytes.
type RunResponse struct {
	ID          string          `json:"id"`
	Workflow    string          `json:"workflow"`
	Version     int             `json:"version,omitempty"`
	State       string          `json:"state"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailedStep  string          `json:"failedStep,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// StepResponse is the wire form of a step record.
type StepResponse struct {
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// ListWorkflowsResponse is the body of GET /v1/workflows.
type ListWorkflowsResponse struct {
	Workflows []string `json:"workflows"`
}

func toRunResponse(r *workflow.Run) RunResponse {
	return RunResponse{
		ID:          r.ID.String(),
		Workflow:    r.Name,
		Version:     r.Version,
		State:       string(r.State),
		Input:       json.RawMessage(r.Input),
		Output:      json.RawMessage(r.Output),
		Error:       r.Error,
		FailedStep:  r.FailedStep,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

func toStepResponse(rec *workflow.StepRecord) StepResponse {
	return StepResponse{
		Name:        rec.Name,
		Status:      string(rec.Status),
		Attempts:    rec.Attempts,
		Output:      json.RawMessage(rec.Output),
		Error:       rec.Error,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
	}
}

// ── handlers ─────────────────────────────────────────────────────

func (a *API) startRun(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return
	}
	if req.Workflow == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "workflow name is required")
		return
	}

	if req.Sync {
		run, err := a.eng.Runner().StartRaw(r.Context(), req.Workflow, req.Input)
		if err != nil {
			a.writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRunResponse(run))
		return
	}

	run, err := a.eng.StartRunRaw(r.Context(), req.Workflow, req.Input)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRunResponse(run))
}

func (a *API) getRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.parseRunID(w, r)
	if !ok {
		return
	}
	run, err := a.eng.RunStatus(r.Context(), runID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	opts := workflow.ListOpts{
		State: workflow.RunState(r.URL.Query().Get("state")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid offset")
			return
		}
		opts.Offset = n
	}

	runs, err := a.eng.ListRuns(r.Context(), opts)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	out := make([]RunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) listSteps(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.parseRunID(w, r)
	if !ok {
		return
	}
	steps, err := a.eng.ListSteps(r.Context(), runID)
	if err != nil {
		a.writeEngineError(w, err)
		return
	}
	out := make([]StepResponse, 0, len(steps))
	for _, rec := range steps {
		out = append(out, toStepResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := a.parseRunID(w, r)
	if !ok {
		return
	}
	if err := a.eng.CancelRun(r.Context(), runID); err != nil {
		a.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListWorkflowsResponse{Workflows: a.eng.Workflows()})
}

// ── helpers ──────────────────────────────────────────────────────

func (a *API) parseRunID(w http.ResponseWriter, r *http.Request) (id.RunID, bool) {
	raw := r.PathValue("runID")
	runID, err := id.ParseRunID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid run id: "+raw)
		return id.RunID{}, false
	}
	return runID, true
}

// writeEngineError maps engine and ledger errors onto HTTP statuses.
func (a *API) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stepflow.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", err.Error())
	case errors.Is(err, stepflow.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow_not_found", err.Error())
	case errors.Is(err, stepflow.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, stepflow.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error())
	default:
		a.logger.Error("api request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

// errorBody is the standard error envelope.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{Code: code, Message: message},
	})
}

// decodeJSON decodes a JSON request body into the target struct.
func decodeJSON(r *http.Request, target any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
