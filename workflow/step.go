package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stepflow/stepflow"
)

// stepConfig holds per-step overrides applied via StepOption.
type stepConfig struct {
	policy RetryPolicy
}

// StepOption overrides step execution settings for a single step.
type StepOption func(*stepConfig)

// WithRetryPolicy overrides the run's default retry policy for one step.
func WithRetryPolicy(p RetryPolicy) StepOption {
	return func(c *stepConfig) { c.policy = p }
}

// Step executes a named step function. If the ledger already holds a
// succeeded record for this step, the function is skipped (idempotent
// replay). Otherwise the function runs under the retry policy and its
// outcome is recorded. A recorded permanent failure is replayed as a
// StepError without re-executing the function.
func (w *Workflow) Step(name string, fn func(ctx context.Context) error, opts ...StepOption) error {
	_, err := w.runStep(name, func(ctx context.Context) ([]byte, error) {
		return nil, fn(ctx)
	}, opts...)
	return err
}

// StepWithResult executes a named step that returns a typed value. The
// result is JSON-serialized and recorded in the ledger. On replay, the
// recorded result is deserialized and returned without re-executing the
// step function.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func StepWithResult[T any](w *Workflow, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T

	output, err := w.runStep(name, func(ctx context.Context) ([]byte, error) {
		v, fnErr := fn(ctx)
		if fnErr != nil {
			return nil, fnErr
		}
		data, encErr := json.Marshal(v)
		if encErr != nil {
			// An unencodable result will never encode; do not retry.
			return nil, stepflow.Permanent(fmt.Errorf("encode result: %w", encErr))
		}
		return data, nil
	}, opts...)
	if err != nil {
		return zero, err
	}

	var result T
	if len(output) > 0 {
		if decErr := json.Unmarshal(output, &result); decErr != nil {
			return zero, fmt.Errorf("workflow %s: decode step %q result: %w", w.run.Name, name, decErr)
		}
	}
	return result, nil
}

// runStep drives one named step to a durable outcome: short-circuit on
// a recorded result, otherwise execute under the retry policy and
// record exactly one outcome.
func (w *Workflow) runStep(name string, fn func(ctx context.Context) ([]byte, error), opts ...StepOption) ([]byte, error) {
	// Cancellation is honored between steps, never mid-compute.
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}

	rec, err := w.ledger.GetStep(w.ctx, w.run.ID, name)
	if err != nil && !errors.Is(err, stepflow.ErrStepNotFound) {
		return nil, fmt.Errorf("workflow %s: get step %q: %w", w.run.Name, name, err)
	}

	if rec != nil {
		switch rec.Status {
		case StepSucceeded:
			w.logger.Debug("skipping recorded step",
				slog.String("run_id", w.run.ID.String()),
				slog.String("step", name),
			)
			return rec.Output, nil
		case StepFailed:
			return nil, &StepError{
				Workflow: w.run.Name,
				Step:     name,
				Attempts: rec.Attempts,
				Err:      errors.New(rec.Error),
			}
		}
	}

	if err := w.reserve(name); err != nil {
		return nil, err
	}

	if rec == nil {
		rec, err = w.ledger.BeginStep(w.ctx, w.run.ID, name)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: begin step %q: %w", w.run.Name, name, err)
		}
	}

	cfg := stepConfig{policy: w.policy}
	for _, opt := range opts {
		opt(&cfg)
	}

	// Attempts from a previous crashed execution count against the budget.
	attempt := rec.Attempts
	var lastErr error
	for {
		attempt++
		start := time.Now()
		output, stepErr := w.invoke(fn, cfg.policy.AttemptTimeout)
		elapsed := time.Since(start)

		if stepErr == nil {
			// Record on the cancellation-surviving context: a compute that
			// finished after a mid-step cancel still gets its outcome
			// persisted, so a later resume will not re-execute it.
			recorded, recErr := w.ledger.RecordStepSuccess(w.recordCtx, w.run.ID, name, output, attempt)
			if recErr != nil {
				return nil, fmt.Errorf("workflow %s: record step %q: %w", w.run.Name, name, recErr)
			}
			w.emitter.EmitStepCompleted(w.ctx, w.run, name, elapsed)
			// A concurrent recovery attempt may have recorded first;
			// the ledger's record is the authoritative output.
			return recorded.Output, nil
		}
		lastErr = stepErr

		delay, retry := cfg.policy.ShouldRetry(attempt, stepErr)
		if !retry {
			break
		}

		w.logger.Warn("step failed, retrying",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", stepErr.Error()),
		)

		select {
		case <-time.After(delay):
		case <-w.ctx.Done():
			// Cancelled while backing off: leave the step pending so a
			// future resume can retry it.
			return nil, w.ctx.Err()
		}
	}

	recorded, recErr := w.ledger.RecordStepFailure(w.recordCtx, w.run.ID, name, lastErr.Error(), attempt)
	if recErr != nil {
		w.logger.Error("failed to record step failure",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", name),
			slog.String("error", recErr.Error()),
		)
	}
	if recorded != nil && recorded.Status == StepSucceeded {
		// Lost the race to a concurrent attempt that succeeded.
		return recorded.Output, nil
	}

	w.emitter.EmitStepFailed(w.ctx, w.run, name, lastErr)
	return nil, &StepError{Workflow: w.run.Name, Step: name, Attempts: attempt, Err: lastErr}
}

// invoke runs a single compute attempt, bounded by the per-attempt
// timeout when one is configured.
func (w *Workflow) invoke(fn func(ctx context.Context) ([]byte, error), timeout time.Duration) ([]byte, error) {
	ctx := w.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// Parallel executes multiple step functions concurrently using
// errgroup. If any sub-step fails, the others are cancelled and the
// first error is returned. Each sub-step gets its own record named
// "parallel:<group>:<index>"; a group-level record marks overall
// completion for resume. A failed group leaves no group record, so a
// later resume re-runs only the sub-steps that have not succeeded.
func (w *Workflow) Parallel(groupName string, steps ...func(ctx context.Context) error) error {
	groupKey := "parallel:" + groupName
	if err := w.ctx.Err(); err != nil {
		return err
	}

	rec, err := w.ledger.GetStep(w.ctx, w.run.ID, groupKey)
	if err != nil && !errors.Is(err, stepflow.ErrStepNotFound) {
		return fmt.Errorf("workflow %s: get parallel group %q: %w", w.run.Name, groupName, err)
	}
	if rec != nil && rec.Status == StepSucceeded {
		w.logger.Debug("skipping recorded parallel group",
			slog.String("run_id", w.run.ID.String()),
			slog.String("group", groupName),
		)
		return nil
	}

	if err := w.reserve(groupKey); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(w.ctx)

	for i, step := range steps {
		stepName := fmt.Sprintf("%s:%d", groupKey, i)
		fn := step
		g.Go(func() error {
			sub, subErr := w.ledger.GetStep(gctx, w.run.ID, stepName)
			if subErr != nil && !errors.Is(subErr, stepflow.ErrStepNotFound) {
				return subErr
			}
			if sub != nil && sub.Status == StepSucceeded {
				return nil // already completed
			}
			if sub == nil {
				sub, subErr = w.ledger.BeginStep(gctx, w.run.ID, stepName)
				if subErr != nil {
					return subErr
				}
			}
			attempt := sub.Attempts + 1

			start := time.Now()
			if fnErr := fn(gctx); fnErr != nil {
				w.emitter.EmitStepFailed(w.ctx, w.run, stepName, fnErr)
				return fnErr
			}

			if _, recErr := w.ledger.RecordStepSuccess(w.recordCtx, w.run.ID, stepName, nil, attempt); recErr != nil {
				return recErr
			}
			w.emitter.EmitStepCompleted(w.ctx, w.run, stepName, time.Since(start))
			return nil
		})
	}

	if waitErr := g.Wait(); waitErr != nil {
		return fmt.Errorf("workflow %s parallel %q: %w", w.run.Name, groupName, waitErr)
	}

	if _, recErr := w.ledger.RecordStepSuccess(w.recordCtx, w.run.ID, groupKey, nil, 1); recErr != nil {
		return fmt.Errorf("workflow %s: record parallel group %q: %w", w.run.Name, groupName, recErr)
	}
	return nil
}

// Sleep pauses the workflow for the specified duration. On crash
// recovery, if a record exists for this sleep step, it is skipped
// immediately. The sleep can be interrupted by context cancellation.
func (w *Workflow) Sleep(name string, d time.Duration) error {
	stepName := "sleep:" + name

	rec, err := w.ledger.GetStep(w.ctx, w.run.ID, stepName)
	if err != nil && !errors.Is(err, stepflow.ErrStepNotFound) {
		return fmt.Errorf("workflow %s: get sleep %q: %w", w.run.Name, name, err)
	}
	if rec != nil && rec.Status == StepSucceeded {
		w.logger.Debug("skipping recorded sleep",
			slog.String("run_id", w.run.ID.String()),
			slog.String("step", stepName),
		)
		return nil
	}

	if resErr := w.reserve(stepName); resErr != nil {
		return resErr
	}

	select {
	case <-time.After(d):
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	if _, recErr := w.ledger.RecordStepSuccess(w.recordCtx, w.run.ID, stepName, nil, 1); recErr != nil {
		return fmt.Errorf("workflow %s: record sleep %q: %w", w.run.Name, name, recErr)
	}
	return nil
}

// ── Saga Compensations ──────────────────────────────

// StepWithCompensation executes a named step with an associated
// compensation function. If the step succeeds, the compensation is
// pushed onto a LIFO stack. When the workflow fails later, all
// registered compensations run in reverse order to undo completed work.
func (w *Workflow) StepWithCompensation(
	name string,
	execute func(ctx context.Context) error,
	compensate func(ctx context.Context) error,
	opts ...StepOption,
) error {
	if err := w.Step(name, execute, opts...); err != nil {
		return err
	}
	w.pushCompensation(Compensation{StepName: name, Compensate: compensate})
	return nil
}

// StepWithResultAndCompensation executes a named step that returns a
// typed value, with an associated compensation function registered on
// success.
func StepWithResultAndCompensation[T any](
	w *Workflow,
	name string,
	execute func(ctx context.Context) (T, error),
	compensate func(ctx context.Context) error,
	opts ...StepOption,
) (T, error) {
	result, err := StepWithResult(w, name, execute, opts...)
	if err != nil {
		return result, err
	}
	w.pushCompensation(Compensation{StepName: name, Compensate: compensate})
	return result, nil
}
