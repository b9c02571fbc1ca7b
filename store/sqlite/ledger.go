package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/workflow"
)

// Timestamps are stored as fixed-width RFC3339 text so lexicographic
// ORDER BY matches chronological order. RFC3339Nano trims trailing
// zeros and loses that property.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const runColumns = `id, name, version, state, input, output, error, failed_step,
	started_at, completed_at, created_at, updated_at`

const stepColumns = `id, run_id, name, status, attempts, output, error,
	started_at, completed_at`

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stepflow_runs
			(id, name, version, state, input, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.Name, run.Version, string(run.State), run.Input,
		run.StartedAt.UTC().Format(timeLayout),
		run.CreatedAt.UTC().Format(timeLayout),
		run.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrRunAlreadyExists
		}
		return stepflow.Unavailable("sqlite: create run", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM stepflow_runs WHERE id = ?`,
		runID.String(),
	)
	run, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrRunNotFound
		}
		return nil, stepflow.Unavailable("sqlite: get run", err)
	}
	return run, nil
}

// ListRuns returns runs matching the given options, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM stepflow_runs`
	args := []any{}
	if opts.State != "" {
		query += ` WHERE state = ?`
		args = append(args, string(opts.State))
	}
	query += ` ORDER BY started_at ASC`
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, opts.Limit)
	}
	if opts.Offset > 0 {
		if opts.Limit <= 0 {
			query += ` LIMIT -1`
		}
		query += fmt.Sprintf(` OFFSET %d`, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, stepflow.Unavailable("sqlite: list runs", err)
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, stepflow.Unavailable("sqlite: list runs scan", scanErr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, stepflow.Unavailable("sqlite: list runs", err)
	}
	return runs, nil
}

// MarkRunTerminal transitions a run to a terminal state exactly once.
func (s *Store) MarkRunTerminal(ctx context.Context, runID id.RunID, state workflow.RunState, output []byte, runErr, failedStep string) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		UPDATE stepflow_runs
		SET state = ?, output = ?, error = ?, failed_step = ?,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'running'`,
		string(state), output, runErr, failedStep, now, now, runID.String(),
	)
	if err != nil {
		return stepflow.Unavailable("sqlite: mark run terminal", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return stepflow.Unavailable("sqlite: mark run terminal", err)
	}
	if affected == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return stepflow.ErrInvalidState
	}
	return nil
}

// GetStep retrieves the step record for (runID, stepName).
func (s *Store) GetStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM stepflow_steps WHERE run_id = ? AND name = ?`,
		runID.String(), stepName,
	)
	rec, err := scanStep(row)
	if err != nil {
		if isNoRows(err) {
			return nil, stepflow.ErrStepNotFound
		}
		return nil, stepflow.Unavailable("sqlite: get step", err)
	}
	return rec, nil
}

// BeginStep creates a pending record for (runID, stepName) if none exists.
func (s *Store) BeginStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stepflow_steps (id, run_id, name, status, started_at)
		VALUES (?, ?, ?, 'pending', ?)
		ON CONFLICT (run_id, name) DO NOTHING`,
		id.NewStepID().String(), runID.String(), stepName,
		time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return nil, stepflow.Unavailable("sqlite: begin step", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// RecordStepSuccess records a step's output, first write wins.
func (s *Store) RecordStepSuccess(ctx context.Context, runID id.RunID, stepName string, output []byte, attempts int) (*workflow.StepRecord, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stepflow_steps
			(id, run_id, name, status, attempts, output, started_at, completed_at)
		VALUES (?, ?, ?, 'succeeded', ?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE
		SET status = 'succeeded', attempts = excluded.attempts,
			output = excluded.output, error = '', completed_at = excluded.completed_at
		WHERE stepflow_steps.status <> 'succeeded'`,
		id.NewStepID().String(), runID.String(), stepName, attempts, output, now, now,
	)
	if err != nil {
		return nil, stepflow.Unavailable("sqlite: record step success", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// RecordStepFailure records a step's permanent failure. A no-op when a
// success is already recorded.
func (s *Store) RecordStepFailure(ctx context.Context, runID id.RunID, stepName string, stepErr string, attempts int) (*workflow.StepRecord, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stepflow_steps
			(id, run_id, name, status, attempts, error, started_at, completed_at)
		VALUES (?, ?, ?, 'failed', ?, ?, ?, ?)
		ON CONFLICT (run_id, name) DO UPDATE
		SET status = 'failed', attempts = excluded.attempts,
			error = excluded.error, completed_at = excluded.completed_at
		WHERE stepflow_steps.status <> 'succeeded'`,
		id.NewStepID().String(), runID.String(), stepName, attempts, stepErr, now, now,
	)
	if err != nil {
		return nil, stepflow.Unavailable("sqlite: record step failure", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// ListSteps returns all step records for a run, oldest first.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM stepflow_steps
		 WHERE run_id = ? ORDER BY started_at ASC, id ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, stepflow.Unavailable("sqlite: list steps", err)
	}
	defer rows.Close()

	var records []*workflow.StepRecord
	for rows.Next() {
		rec, scanErr := scanStep(rows)
		if scanErr != nil {
			return nil, stepflow.Unavailable("sqlite: list steps scan", scanErr)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, stepflow.Unavailable("sqlite: list steps", err)
	}
	return records, nil
}

// ── helpers ──────────────────────────────────────────────────────

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*workflow.Run, error) {
	var (
		run                         workflow.Run
		rawID, name, state          string
		errMsg, failedStep          string
		startedAt, createdAt, updAt string
		completedAt                 sql.NullString
	)
	err := row.Scan(&rawID, &name, &run.Version, &state, &run.Input, &run.Output,
		&errMsg, &failedStep, &startedAt, &completedAt, &createdAt, &updAt)
	if err != nil {
		return nil, err
	}
	parsed, err := id.ParseRunID(rawID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: parse run id %q: %w", rawID, err)
	}
	run.ID = parsed
	run.Name = name
	run.State = workflow.RunState(state)
	run.Error = errMsg
	run.FailedStep = failedStep
	run.StartedAt, _ = time.Parse(timeLayout, startedAt)
	run.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	run.UpdatedAt, _ = time.Parse(timeLayout, updAt)
	if completedAt.Valid {
		t, _ := time.Parse(timeLayout, completedAt.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

func scanStep(row scanner) (*workflow.StepRecord, error) {
	var (
		rec               workflow.StepRecord
		rawID, rawRunID   string
		status, startedAt string
		completedAt       sql.NullString
	)
	err := row.Scan(&rawID, &rawRunID, &rec.Name, &status, &rec.Attempts,
		&rec.Output, &rec.Error, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	stepID, err := id.ParseStepID(rawID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: parse step id %q: %w", rawID, err)
	}
	runID, err := id.ParseRunID(rawRunID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/sqlite: parse run id %q: %w", rawRunID, err)
	}
	rec.ID = stepID
	rec.RunID = runID
	rec.Status = workflow.StepStatus(status)
	rec.StartedAt, _ = time.Parse(timeLayout, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(timeLayout, completedAt.String)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
