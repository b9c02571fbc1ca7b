package bunstore

import (
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/id"
	"github.com/stepflow/stepflow/workflow"
)

// ── Run model ─────────────────────────────────────────────────────

type runModel struct {
	bun.BaseModel `bun:"table:stepflow_runs"`

	ID          string     `bun:"id,pk"`
	Name        string     `bun:"name,notnull"`
	Version     int        `bun:"version,notnull,default:1"`
	State       string     `bun:"state,notnull,default:'running'"`
	Input       []byte     `bun:"input,type:bytea"`
	Output      []byte     `bun:"output,type:bytea"`
	Error       string     `bun:"error,notnull,default:''"`
	FailedStep  string     `bun:"failed_step,notnull,default:''"`
	StartedAt   time.Time  `bun:"started_at,notnull,default:current_timestamp"`
	CompletedAt *time.Time `bun:"completed_at"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
}

func toRunModel(r *workflow.Run) *runModel {
	return &runModel{
		ID:          r.ID.String(),
		Name:        r.Name,
		Version:     r.Version,
		State:       string(r.State),
		Input:       r.Input,
		Output:      r.Output,
		Error:       r.Error,
		FailedStep:  r.FailedStep,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromRunModel(m *runModel) (*workflow.Run, error) {
	parsedID, err := id.ParseRunID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/bun: parse run id %q: %w", m.ID, err)
	}

	return &workflow.Run{
		Entity: stepflow.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		Name:        m.Name,
		Version:     m.Version,
		State:       workflow.RunState(m.State),
		Input:       m.Input,
		Output:      m.Output,
		Error:       m.Error,
		FailedStep:  m.FailedStep,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}, nil
}

// ── Step model ────────────────────────────────────────────────────

type stepModel struct {
	bun.BaseModel `bun:"table:stepflow_steps"`

	ID          string     `bun:"id,notnull"`
	RunID       string     `bun:"run_id,pk"`
	Name        string     `bun:"name,pk"`
	Status      string     `bun:"status,notnull,default:'pending'"`
	Attempts    int        `bun:"attempts,notnull,default:0"`
	Output      []byte     `bun:"output,type:bytea"`
	Error       string     `bun:"error,notnull,default:''"`
	StartedAt   time.Time  `bun:"started_at,notnull,default:current_timestamp"`
	CompletedAt *time.Time `bun:"completed_at"`
}

func fromStepModel(m *stepModel) (*workflow.StepRecord, error) {
	stepID, err := id.ParseStepID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/bun: parse step id %q: %w", m.ID, err)
	}
	runID, err := id.ParseRunID(m.RunID)
	if err != nil {
		return nil, fmt.Errorf("stepflow/bun: parse run id %q: %w", m.RunID, err)
	}

	return &workflow.StepRecord{
		ID:          stepID,
		RunID:       runID,
		Name:        m.Name,
		Status:      workflow.StepStatus(m.Status),
		Attempts:    m.Attempts,
		Output:      m.Output,
		Error:       m.Error,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}, nil
}
