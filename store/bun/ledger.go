package bunstore

import (
	"context"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/workflow"
)

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	m := toRunModel(run)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrRunAlreadyExists
		}
		return stepflow.Unavailable("bun: create run", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	m := new(runModel)
	err := s.db.NewSelect().Model(m).
		Where("id = ?", runID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrRunNotFound
		}
		return nil, stepflow.Unavailable("bun: get run", err)
	}
	return fromRunModel(m)
}

// ListRuns returns runs matching the given options, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	var models []runModel
	q := s.db.NewSelect().Model(&models)

	if opts.State != "" {
		q = q.Where("state = ?", string(opts.State))
	}

	q = q.OrderExpr("started_at ASC")

	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, stepflow.Unavailable("bun: list runs", err)
	}

	runs := make([]*workflow.Run, 0, len(models))
	for i := range models {
		r, convErr := fromRunModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		runs = append(runs, r)
	}
	return runs, nil
}

// MarkRunTerminal transitions a run to a terminal state exactly once.
func (s *Store) MarkRunTerminal(ctx context.Context, runID id.RunID, state workflow.RunState, output []byte, runErr, failedStep string) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().Model((*runModel)(nil)).
		Set("state = ?", string(state)).
		Set("output = ?", output).
		Set("error = ?", runErr).
		Set("failed_step = ?", failedStep).
		Set("completed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", runID.String()).
		Where("state = 'running'").
		Exec(ctx)
	if err != nil {
		return stepflow.Unavailable("bun: mark run terminal", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return stepflow.ErrInvalidState
	}
	return nil
}

// GetStep retrieves the step record for (runID, stepName).
func (s *Store) GetStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	m := new(stepModel)
	err := s.db.NewSelect().Model(m).
		Where("run_id = ?", runID.String()).
		Where("name = ?", stepName).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrStepNotFound
		}
		return nil, stepflow.Unavailable("bun: get step", err)
	}
	return fromStepModel(m)
}

// BeginStep creates a pending record for (runID, stepName) if none exists.
func (s *Store) BeginStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	m := &stepModel{
		ID:        id.NewStepID().String(),
		RunID:     runID.String(),
		Name:      stepName,
		Status:    string(workflow.StepPending),
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (run_id, name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, stepflow.Unavailable("bun: begin step", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// RecordStepSuccess records a step's output, first write wins. The
// conflict update skips rows already in succeeded status.
func (s *Store) RecordStepSuccess(ctx context.Context, runID id.RunID, stepName string, output []byte, attempts int) (*workflow.StepRecord, error) {
	now := time.Now().UTC()
	m := &stepModel{
		ID:          id.NewStepID().String(),
		RunID:       runID.String(),
		Name:        stepName,
		Status:      string(workflow.StepSucceeded),
		Attempts:    attempts,
		Output:      output,
		StartedAt:   now,
		CompletedAt: &now,
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (run_id, name) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("attempts = EXCLUDED.attempts").
		Set("output = EXCLUDED.output").
		Set("error = ''").
		Set("completed_at = EXCLUDED.completed_at").
		Where("stepflow_steps.status <> 'succeeded'").
		Exec(ctx)
	if err != nil {
		return nil, stepflow.Unavailable("bun: record step success", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// RecordStepFailure records a step's permanent failure. A no-op when a
// success is already recorded.
func (s *Store) RecordStepFailure(ctx context.Context, runID id.RunID, stepName string, stepErr string, attempts int) (*workflow.StepRecord, error) {
	now := time.Now().UTC()
	m := &stepModel{
		ID:          id.NewStepID().String(),
		RunID:       runID.String(),
		Name:        stepName,
		Status:      string(workflow.StepFailed),
		Attempts:    attempts,
		Error:       stepErr,
		StartedAt:   now,
		CompletedAt: &now,
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (run_id, name) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("attempts = EXCLUDED.attempts").
		Set("error = EXCLUDED.error").
		Set("completed_at = EXCLUDED.completed_at").
		Where("stepflow_steps.status <> 'succeeded'").
		Exec(ctx)
	if err != nil {
		return nil, stepflow.Unavailable("bun: record step failure", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// ListSteps returns all step records for a run, oldest first.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	var models []stepModel
	err := s.db.NewSelect().Model(&models).
		Where("run_id = ?", runID.String()).
		OrderExpr("started_at ASC, id ASC").
		Scan(ctx)
	if err != nil {
		return nil, stepflow.Unavailable("bun: list steps", err)
	}

	records := make([]*workflow.StepRecord, 0, len(models))
	for i := range models {
		rec, convErr := fromStepModel(&models[i])
		if convErr != nil {
			return nil, convErr
		}
		records = append(records, rec)
	}
	return records, nil
}
