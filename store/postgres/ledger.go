package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/workflow"
)

const runColumns = `id, name, version, state, input, output, error, failed_step,
	started_at, completed_at, created_at, updated_at`

const stepColumns = `id, run_id, name, status, attempts, output, error,
	started_at, completed_at`

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stepflow_runs
			(id, name, version, state, input, started_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID.String(), run.Name, run.Version, string(run.State),
		run.Input, run.StartedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrRunAlreadyExists
		}
		return stepflow.Unavailable("postgres: create run", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM stepflow_runs WHERE id = $1`,
		runID.String(),
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrRunNotFound
		}
		return nil, stepflow.Unavailable("postgres: get run", err)
	}
	return run, nil
}

// ListRuns returns runs matching the given options, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM stepflow_runs`
	args := []any{}
	if opts.State != "" {
		query += ` WHERE state = $1`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY started_at ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, stepflow.Unavailable("postgres: list runs", err)
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, stepflow.Unavailable("postgres: list runs scan", scanErr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, stepflow.Unavailable("postgres: list runs", err)
	}
	return runs, nil
}

// MarkRunTerminal transitions a run to a terminal state exactly once.
// The conditional UPDATE only matches non-terminal rows, so concurrent
// finishers race on the database row and exactly one wins.
func (s *Store) MarkRunTerminal(ctx context.Context, runID id.RunID, state workflow.RunState, output []byte, runErr, failedStep string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE stepflow_runs
		SET state = $2, output = $3, error = $4, failed_step = $5,
			completed_at = $6, updated_at = $6
		WHERE id = $1 AND state = 'running'`,
		runID.String(), string(state), output, runErr, failedStep, now,
	)
	if err != nil {
		return stepflow.Unavailable("postgres: mark run terminal", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the run does not exist or it already reached a
		// terminal state.
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return stepflow.ErrInvalidState
	}
	return nil
}

// GetStep retrieves the step record for (runID, stepName).
func (s *Store) GetStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+stepColumns+` FROM stepflow_steps WHERE run_id = $1 AND name = $2`,
		runID.String(), stepName,
	)
	rec, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrStepNotFound
		}
		return nil, stepflow.Unavailable("postgres: get step", err)
	}
	return rec, nil
}

// BeginStep creates a pending record for (runID, stepName) if none
// exists and returns the authoritative record either way.
func (s *Store) BeginStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stepflow_steps (id, run_id, name, status, started_at)
		VALUES ($1, $2, $3, 'pending', $4)
		ON CONFLICT (run_id, name) DO NOTHING`,
		id.NewStepID().String(), runID.String(), stepName, time.Now().UTC(),
	)
	if err != nil {
		return nil, stepflow.Unavailable("postgres: begin step", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// RecordStepSuccess records a step's output, first write wins. The
// conditional upsert never touches a row already in succeeded status,
// so a racing second writer reads back the first writer's output.
func (s *Store) RecordStepSuccess(ctx context.Context, runID id.RunID, stepName string, output []byte, attempts int) (*workflow.StepRecord, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stepflow_steps
			(id, run_id, name, status, attempts, output, started_at, completed_at)
		VALUES ($1, $2, $3, 'succeeded', $4, $5, $6, $6)
		ON CONFLICT (run_id, name) DO UPDATE
		SET status = 'succeeded', attempts = EXCLUDED.attempts,
			output = EXCLUDED.output, error = '', completed_at = EXCLUDED.completed_at
		WHERE stepflow_steps.status <> 'succeeded'`,
		id.NewStepID().String(), runID.String(), stepName, attempts, output, now,
	)
	if err != nil {
		return nil, stepflow.Unavailable("postgres: record step success", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// RecordStepFailure records a step's permanent failure. A no-op when a
// success is already recorded.
func (s *Store) RecordStepFailure(ctx context.Context, runID id.RunID, stepName string, stepErr string, attempts int) (*workflow.StepRecord, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stepflow_steps
			(id, run_id, name, status, attempts, error, started_at, completed_at)
		VALUES ($1, $2, $3, 'failed', $4, $5, $6, $6)
		ON CONFLICT (run_id, name) DO UPDATE
		SET status = 'failed', attempts = EXCLUDED.attempts,
			error = EXCLUDED.error, completed_at = EXCLUDED.completed_at
		WHERE stepflow_steps.status <> 'succeeded'`,
		id.NewStepID().String(), runID.String(), stepName, attempts, stepErr, now,
	)
	if err != nil {
		return nil, stepflow.Unavailable("postgres: record step failure", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// ListSteps returns all step records for a run, oldest first.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM stepflow_steps
		 WHERE run_id = $1 ORDER BY started_at ASC, id ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, stepflow.Unavailable("postgres: list steps", err)
	}
	defer rows.Close()

	var records []*workflow.StepRecord
	for rows.Next() {
		rec, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, stepflow.Unavailable("postgres: list steps scan", scanErr)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, stepflow.Unavailable("postgres: list steps", err)
	}
	return records, nil
}

// ── helpers ──────────────────────────────────────────────────────

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		run                  workflow.Run
		rawID, name, state   string
		errMsg, failedStep   string
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&rawID, &name, &run.Version, &state, &run.Input, &run.Output,
		&errMsg, &failedStep, &run.StartedAt, &run.CompletedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseRunID(rawID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/postgres: parse run id %q: %w", rawID, err)
	}
	run.ID = parsed
	run.Name = name
	run.State = workflow.RunState(state)
	run.Error = errMsg
	run.FailedStep = failedStep
	run.CreatedAt = createdAt
	run.UpdatedAt = updatedAt
	return &run, nil
}

func scanStep(row pgx.Row) (*workflow.StepRecord, error) {
	var (
		rec           workflow.StepRecord
		rawID, status string
	)
	err := row.Scan(&rawID, &rec.RunID, &rec.Name, &status, &rec.Attempts,
		&rec.Output, &rec.Error, &rec.StartedAt, &rec.CompletedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseStepID(rawID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/postgres: parse step id %q: %w", rawID, err)
	}
	rec.ID = parsed
	rec.Status = workflow.StepStatus(status)
	return &rec, nil
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey checks if a PostgreSQL error is a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
