package workflow

import (
	"time"

	"github.com/stepflow/stepflow"
	"github.com/stepflow/stepflow/backoff"
)

// RetryPolicy decides, per failed step attempt, whether and when to
// retry. Policies are value types and safe to share; the zero value
// behaves like NoRetry.
type RetryPolicy struct {
	// MaxAttempts is the total number of compute invocations allowed,
	// including the first. Values below 1 are treated as 1.
	MaxAttempts int

	// Backoff supplies the inter-attempt delay. Nil falls back to
	// backoff.DefaultStrategy.
	Backoff backoff.Strategy

	// AttemptTimeout bounds a single compute invocation. Zero means
	// no per-attempt timeout.
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns the policy applied to steps that do not
// override it: up to 5 attempts with capped exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Backoff:     backoff.DefaultStrategy(),
	}
}

// NoRetry returns a policy that never retries. Use it for steps whose
// failure is conclusive, such as pure validation.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// ShouldRetry reports whether a step that just failed its attempt-th
// invocation should be retried, and after what delay. Errors marked
// non-retryable (stepflow.Permanent, stepflow.ValidationError) always
// give up.
func (p RetryPolicy) ShouldRetry(attempt int, err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if stepflow.IsPermanent(err) {
		return 0, false
	}

	limit := p.MaxAttempts
	if limit < 1 {
		limit = 1
	}
	if attempt >= limit {
		return 0, false
	}

	bo := p.Backoff
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return bo.Delay(attempt), true
}
