package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/workflow"
)

// Ensure Store implements the ledger at compile time.
// We can't import store here (import cycle), so we verify the pieces.
var _ workflow.Ledger = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	runs  map[string]*workflow.Run
	steps map[string]*workflow.StepRecord // key: "runID:stepName"

	// stepOrder preserves insertion order per run for ListSteps.
	stepOrder map[string][]string
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		runs:      make(map[string]*workflow.Run),
		steps:     make(map[string]*workflow.StepRecord),
		stepOrder: make(map[string][]string),
	}
}

func stepKey(runID id.RunID, stepName string) string {
	return runID.String() + ":" + stepName
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Runs
// ──────────────────────────────────────────────────

// CreateRun persists a new workflow run.
func (m *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := run.ID.String()
	if _, exists := m.runs[key]; exists {
		return stepflow.ErrRunAlreadyExists
	}
	cp := *run
	m.runs[key] = &cp
	return nil
}

// GetRun retrieves a workflow run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, stepflow.ErrRunNotFound
	}
	// Return a copy so callers can mutate without racing with the store.
	cp := *r
	return &cp, nil
}

// ListRuns returns runs matching opts, oldest first.
func (m *Store) ListRuns(_ context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*workflow.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.State != "" && r.State != opts.State {
			continue
		}
		matched = append(matched, r)
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].StartedAt.Before(matched[k].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	result := make([]*workflow.Run, len(matched))
	for i, r := range matched {
		cp := *r
		result[i] = &cp
	}
	return result, nil
}

// MarkRunTerminal transitions a run to a terminal state exactly once.
func (m *Store) MarkRunTerminal(_ context.Context, runID id.RunID, state workflow.RunState, output []byte, runErr, failedStep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return stepflow.ErrRunNotFound
	}
	if r.State.Terminal() {
		return stepflow.ErrInvalidState
	}

	now := time.Now().UTC()
	r.State = state
	r.Output = output
	r.Error = runErr
	r.FailedStep = failedStep
	r.CompletedAt = &now
	r.Touch()
	return nil
}

// ──────────────────────────────────────────────────
// Step records
// ──────────────────────────────────────────────────

// GetStep retrieves the step record for (runID, stepName).
func (m *Store) GetStep(_ context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.steps[stepKey(runID, stepName)]
	if !ok {
		return nil, stepflow.ErrStepNotFound
	}
	cp := *rec
	return &cp, nil
}

// BeginStep creates a pending record if none exists, otherwise returns
// the existing record unchanged.
func (m *Store) BeginStep(_ context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := stepKey(runID, stepName)
	if rec, ok := m.steps[key]; ok {
		cp := *rec
		return &cp, nil
	}

	rec := &workflow.StepRecord{
		ID:        id.NewStepID(),
		RunID:     runID,
		Name:      stepName,
		Status:    workflow.StepPending,
		StartedAt: time.Now().UTC(),
	}
	m.steps[key] = rec
	runKey := runID.String()
	m.stepOrder[runKey] = append(m.stepOrder[runKey], key)

	cp := *rec
	return &cp, nil
}

// RecordStepSuccess records a step's output, first write wins.
func (m *Store) RecordStepSuccess(_ context.Context, runID id.RunID, stepName string, output []byte, attempts int) (*workflow.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.stepLocked(runID, stepName)
	if rec.Status == workflow.StepSucceeded {
		// Already recorded; the later writer adopts the stored outcome.
		cp := *rec
		return &cp, nil
	}

	now := time.Now().UTC()
	rec.Status = workflow.StepSucceeded
	rec.Output = output
	rec.Error = ""
	rec.Attempts = attempts
	rec.CompletedAt = &now

	cp := *rec
	return &cp, nil
}

// RecordStepFailure records a step's permanent failure. A no-op if a
// success was already recorded.
func (m *Store) RecordStepFailure(_ context.Context, runID id.RunID, stepName string, stepErr string, attempts int) (*workflow.StepRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.stepLocked(runID, stepName)
	if rec.Status == workflow.StepSucceeded {
		cp := *rec
		return &cp, nil
	}

	now := time.Now().UTC()
	rec.Status = workflow.StepFailed
	rec.Error = stepErr
	rec.Attempts = attempts
	rec.CompletedAt = &now

	cp := *rec
	return &cp, nil
}

// ListSteps returns all step records for a run in declaration order.
func (m *Store) ListSteps(_ context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := m.stepOrder[runID.String()]
	result := make([]*workflow.StepRecord, 0, len(keys))
	for _, key := range keys {
		cp := *m.steps[key]
		result = append(result, &cp)
	}
	return result, nil
}

// stepLocked returns the record for (runID, stepName), creating a
// pending one if absent. Callers must hold m.mu.
func (m *Store) stepLocked(runID id.RunID, stepName string) *workflow.StepRecord {
	key := stepKey(runID, stepName)
	if rec, ok := m.steps[key]; ok {
		return rec
	}
	rec := &workflow.StepRecord{
		ID:        id.NewStepID(),
		RunID:     runID,
		Name:      stepName,
		Status:    workflow.StepPending,
		StartedAt: time.Now().UTC(),
	}
	m.steps[key] = rec
	runKey := runID.String()
	m.stepOrder[runKey] = append(m.stepOrder[runKey], key)
	return rec
}
