package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendis/gridflow/pkg/schema"
)

// Backoff modes.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryPolicy bounds in-run retries of a single adapter call.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	Backoff     string        `mapstructure:"backoff" json:"backoff"`
	Delay       time.Duration `mapstructure:"delay" json:"delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" json:"max_delay,omitempty"`
}

// DefaultRateLimitPolicy is applied to AI calls that report RATE_LIMITED:
// three attempts with linear backoff.
func DefaultRateLimitPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff:     BackoffLinear,
		Delay:       time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// IsRetryableError reports whether err should be retried within the run.
// Only errors whose GridError code says so qualify; everything else is
// recorded on the cell and left for the next run.
func IsRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ge *schema.GridError
	if errors.As(err, &ge) {
		return ge.IsRetryable()
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(policy RetryPolicy, attempt int) time.Duration {
	base := policy.Delay
	if base <= 0 {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		delay = base << min(attempt, 30)
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}
	return delay
}

// WaitForBackoff sleeps for delay or returns early with the context error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry calls fn until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts. An exhausted retryable error is reported as an
// ADAPTER_ERROR carrying the attempt count.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(policy.MaxAttempts, 1)
	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := max(ComputeBackoff(policy, attempt-1), retryAfter(lastErr))
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
			if err := WaitForBackoff(ctx, delay); err != nil {
				return zero, err
			}
		}
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		if !IsRetryableError(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, schema.NewErrorf(schema.ErrCodeAdapter, "%s (gave up after %d attempts)",
		schema.CellMessage(lastErr), attempts).WithCause(lastErr)
}

// retryAfter reads a server-provided retry hint from a GridError's details.
func retryAfter(err error) time.Duration {
	var ge *schema.GridError
	if !errors.As(err, &ge) || ge.Details == nil {
		return 0
	}
	switch v := ge.Details["retry_after"].(type) {
	case time.Duration:
		return v
	case string:
		if d, perr := time.ParseDuration(v); perr == nil {
			return d
		}
		var secs int
		if _, serr := fmt.Sscanf(v, "%d", &secs); serr == nil {
			return time.Duration(secs) * time.Second
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return 0
}
