package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/workflow"
)

// markTerminalScript transitions a run to a terminal state only while it
// is still running. Returns -1 if the run is missing, 0 if it is already
// terminal, 1 on success.
const markTerminalScript = `
local state = redis.call("HGET", KEYS[1], "state")
if not state then return -1 end
if state ~= "running" then return 0 end
redis.call("HSET", KEYS[1],
  "state", ARGV[1], "output", ARGV[2], "error", ARGV[3],
  "failed_step", ARGV[4], "completed_at", ARGV[5], "updated_at", ARGV[5])
return 1
`

// beginStepScript creates a pending step record if none exists.
const beginStepScript = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  redis.call("HSET", KEYS[1],
    "id", ARGV[1], "run_id", ARGV[2], "name", ARGV[3],
    "status", "pending", "attempts", "0", "started_at", ARGV[4])
  redis.call("SADD", KEYS[2], ARGV[3])
end
return 1
`

// recordOutcomeScript writes a step outcome unless a success is already
// recorded, making success first-write-wins. Returns 0 when the existing
// success was preserved, 1 when the outcome was written.
const recordOutcomeScript = `
local status = redis.call("HGET", KEYS[1], "status")
if status == "succeeded" then return 0 end
if not status then
  redis.call("HSET", KEYS[1], "started_at", ARGV[6])
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1], "run_id", ARGV[2], "name", ARGV[3],
  "status", ARGV[7], "attempts", ARGV[4], "output", ARGV[5],
  "error", ARGV[8], "completed_at", ARGV[6])
redis.call("SADD", KEYS[2], ARGV[3])
return 1
`

// CreateRun persists a new workflow run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	rID := run.ID.String()
	key := runKey(rID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return stepflow.Unavailable("redis: create run exists", err)
	}
	if exists > 0 {
		return stepflow.ErrRunAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, runToMap(run))
	pipe.SAdd(ctx, runIDsKey, rID)
	if _, err = pipe.Exec(ctx); err != nil {
		return stepflow.Unavailable("redis: create run", err)
	}
	return nil
}

// GetRun retrieves a workflow run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*workflow.Run, error) {
	vals, err := s.client.HGetAll(ctx, runKey(runID.String())).Result()
	if err != nil {
		return nil, stepflow.Unavailable("redis: get run", err)
	}
	if len(vals) == 0 {
		return nil, stepflow.ErrRunNotFound
	}
	return mapToRun(vals)
}

// ListRuns returns workflow runs matching the given options, oldest first.
func (s *Store) ListRuns(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Run, error) {
	ids, err := s.client.SMembers(ctx, runIDsKey).Result()
	if err != nil {
		return nil, stepflow.Unavailable("redis: list runs", err)
	}

	var runs []*workflow.Run
	for _, rID := range ids {
		vals, getErr := s.client.HGetAll(ctx, runKey(rID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		r, convErr := mapToRun(vals)
		if convErr != nil {
			continue
		}
		if opts.State != "" && r.State != opts.State {
			continue
		}
		runs = append(runs, r)
	}

	sort.Slice(runs, func(i, k int) bool {
		return runs[i].StartedAt.Before(runs[k].StartedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// MarkRunTerminal transitions a run to a terminal state exactly once.
func (s *Store) MarkRunTerminal(ctx context.Context, runID id.RunID, state workflow.RunState, output []byte, runErr, failedStep string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.client.Eval(ctx, markTerminalScript,
		[]string{runKey(runID.String())},
		string(state), string(output), runErr, failedStep, now,
	).Int()
	if err != nil {
		return stepflow.Unavailable("redis: mark run terminal", err)
	}
	switch res {
	case -1:
		return stepflow.ErrRunNotFound
	case 0:
		return stepflow.ErrInvalidState
	}
	return nil
}

// GetStep retrieves the step record for (runID, stepName).
func (s *Store) GetStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	vals, err := s.client.HGetAll(ctx, stepKey(runID.String(), stepName)).Result()
	if err != nil {
		return nil, stepflow.Unavailable("redis: get step", err)
	}
	if len(vals) == 0 {
		return nil, stepflow.ErrStepNotFound
	}
	return mapToStep(vals)
}

// BeginStep creates a pending record for (runID, stepName) if none exists.
func (s *Store) BeginStep(ctx context.Context, runID id.RunID, stepName string) (*workflow.StepRecord, error) {
	rID := runID.String()
	_, err := s.client.Eval(ctx, beginStepScript,
		[]string{stepKey(rID, stepName), stepIndexKey(rID)},
		id.NewStepID().String(), rID, stepName,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil {
		return nil, stepflow.Unavailable("redis: begin step", err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// RecordStepSuccess records a step's output, first write wins.
func (s *Store) RecordStepSuccess(ctx context.Context, runID id.RunID, stepName string, output []byte, attempts int) (*workflow.StepRecord, error) {
	return s.recordOutcome(ctx, runID, stepName, string(workflow.StepSucceeded), output, "", attempts)
}

// RecordStepFailure records a step's permanent failure. A no-op when a
// success is already recorded.
func (s *Store) RecordStepFailure(ctx context.Context, runID id.RunID, stepName string, stepErr string, attempts int) (*workflow.StepRecord, error) {
	return s.recordOutcome(ctx, runID, stepName, string(workflow.StepFailed), nil, stepErr, attempts)
}

func (s *Store) recordOutcome(ctx context.Context, runID id.RunID, stepName, status string, output []byte, stepErr string, attempts int) (*workflow.StepRecord, error) {
	rID := runID.String()
	_, err := s.client.Eval(ctx, recordOutcomeScript,
		[]string{stepKey(rID, stepName), stepIndexKey(rID)},
		id.NewStepID().String(), rID, stepName,
		strconv.Itoa(attempts), string(output),
		time.Now().UTC().Format(time.RFC3339Nano),
		status, stepErr,
	).Result()
	if err != nil {
		return nil, stepflow.Unavailable("redis: record step "+status, err)
	}
	return s.GetStep(ctx, runID, stepName)
}

// ListSteps returns all step records for a run, oldest first.
func (s *Store) ListSteps(ctx context.Context, runID id.RunID) ([]*workflow.StepRecord, error) {
	rID := runID.String()
	names, err := s.client.SMembers(ctx, stepIndexKey(rID)).Result()
	if err != nil {
		return nil, stepflow.Unavailable("redis: list steps", err)
	}

	records := make([]*workflow.StepRecord, 0, len(names))
	for _, name := range names {
		vals, getErr := s.client.HGetAll(ctx, stepKey(rID, name)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		rec, convErr := mapToStep(vals)
		if convErr != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, k int) bool {
		return records[i].StartedAt.Before(records[k].StartedAt)
	})
	return records, nil
}

// ── hash conversion ──────────────────────────────────────────────

func runToMap(r *workflow.Run) map[string]interface{} {
	m := map[string]interface{}{
		"id":          r.ID.String(),
		"name":        r.Name,
		"version":     strconv.Itoa(r.Version),
		"state":       string(r.State),
		"input":       string(r.Input),
		"output":      string(r.Output),
		"error":       r.Error,
		"failed_step": r.FailedStep,
		"started_at":  r.StartedAt.Format(time.RFC3339Nano),
		"created_at":  r.Entity.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  r.Entity.UpdatedAt.Format(time.RFC3339Nano),
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToRun(m map[string]string) (*workflow.Run, error) {
	rID, err := id.ParseRunID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: parse run id: %w", err)
	}

	version, _ := strconv.Atoi(m["version"])
	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"])
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])

	r := &workflow.Run{
		Entity: stepflow.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         rID,
		Name:       m["name"],
		Version:    version,
		State:      workflow.RunState(m["state"]),
		Input:      []byte(m["input"]),
		Output:     []byte(m["output"]),
		Error:      m["error"],
		FailedStep: m["failed_step"],
		StartedAt:  startedAt,
	}

	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v)
		r.CompletedAt = &t
	}
	return r, nil
}

func mapToStep(m map[string]string) (*workflow.StepRecord, error) {
	sID, err := id.ParseStepID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: parse step id: %w", err)
	}
	rID, err := id.ParseRunID(m["run_id"])
	if err != nil {
		return nil, fmt.Errorf("stepflow/redis: parse run id: %w", err)
	}

	attempts, _ := strconv.Atoi(m["attempts"])
	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"])

	rec := &workflow.StepRecord{
		ID:        sID,
		RunID:     rID,
		Name:      m["name"],
		Status:    workflow.StepStatus(m["status"]),
		Attempts:  attempts,
		Output:    []byte(m["output"]),
		Error:     m["error"],
		StartedAt: startedAt,
	}

	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v)
		rec.CompletedAt = &t
	}
	return rec, nil
}
