package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/backoff"
	"github.com/stepflow/stepflow/workflow"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := workflow.RetryPolicy{
		MaxAttempts: 3,
		Backoff:     backoff.NewConstant(50 * time.Millisecond),
	}

	tests := []struct {
		name    string
		attempt int
		err     error
		want    bool
	}{
		{"nil error", 1, nil, false},
		{"first failure", 1, errors.New("transient"), true},
		{"second failure", 2, errors.New("transient"), true},
		{"budget exhausted", 3, errors.New("transient"), false},
		{"past budget", 4, errors.New("transient"), false},
		{"permanent error", 1, stepflow.Permanent(errors.New("conclusive")), false},
		{"validation error", 1, stepflow.Validationf("bad input"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay, got := policy.ShouldRetry(tt.attempt, tt.err)
			if got != tt.want {
				t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
			}
			if got && delay != 50*time.Millisecond {
				t.Errorf("delay = %v, want 50ms", delay)
			}
		})
	}
}

func TestRetryPolicy_ZeroValueNeverRetries(t *testing.T) {
	var policy workflow.RetryPolicy

	if _, retry := policy.ShouldRetry(1, errors.New("any")); retry {
		t.Error("zero-value policy retried")
	}
}

func TestRetryPolicy_DelaysNonDecreasing(t *testing.T) {
	policy := workflow.DefaultRetryPolicy()

	var prev time.Duration
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		delay, retry := policy.ShouldRetry(attempt, errors.New("transient"))
		if !retry {
			t.Fatalf("attempt %d: expected retry", attempt)
		}
		if delay < prev {
			t.Errorf("attempt %d: delay %v decreased below %v", attempt, delay, prev)
		}
		prev = delay
	}
}
