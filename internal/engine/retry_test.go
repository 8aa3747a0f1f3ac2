package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gridflow/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(errors.New("plain")))
	assert.True(t, IsRetryableError(schema.NewError(schema.ErrCodeRateLimited, "slow down")))

	for _, code := range []string{
		schema.ErrCodeAdapter,
		schema.ErrCodeTimeout,
		schema.ErrCodeValidation,
		schema.ErrCodeCircuitOpen,
		schema.ErrCodeUnavailable,
	} {
		assert.False(t, IsRetryableError(schema.NewError(code, "x")), code)
	}

	wrapped := errors.Join(errors.New("outer"), schema.NewError(schema.ErrCodeRateLimited, "inner"))
	assert.True(t, IsRetryableError(wrapped))
}

func TestComputeBackoff(t *testing.T) {
	linear := RetryPolicy{Backoff: BackoffLinear, Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(linear, 0))
	assert.Equal(t, 200*time.Millisecond, ComputeBackoff(linear, 1))
	assert.Equal(t, 300*time.Millisecond, ComputeBackoff(linear, 2))

	exp := RetryPolicy{Backoff: BackoffExponential, Delay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, ComputeBackoff(exp, 0))
	assert.Equal(t, 400*time.Millisecond, ComputeBackoff(exp, 2))
	assert.Equal(t, time.Second, ComputeBackoff(exp, 10))

	constant := RetryPolicy{Backoff: BackoffConstant, Delay: 50 * time.Millisecond}
	assert.Equal(t, 50*time.Millisecond, ComputeBackoff(constant, 5))

	assert.Zero(t, ComputeBackoff(RetryPolicy{}, 3))
}

func TestDefaultRateLimitPolicy(t *testing.T) {
	p := DefaultRateLimitPolicy()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, BackoffLinear, p.Backoff)
}

func TestWaitForBackoff_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitForBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestRetry_SucceedsAfterRateLimit(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Backoff: BackoffLinear, Delay: time.Millisecond}
	calls := 0
	out, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", schema.NewError(schema.ErrCodeRateLimited, "AI API error 429: slow down")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustedBecomesAdapterError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Backoff: BackoffLinear, Delay: time.Millisecond}
	calls := 0
	_, err := Retry(context.Background(), policy, func(ctx context.Context) (string, error) {
		calls++
		return "", schema.NewError(schema.ErrCodeRateLimited, "AI API error 429: slow down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)

	var ge *schema.GridError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, schema.ErrCodeAdapter, ge.Code)
	assert.Contains(t, ge.Message, "gave up after 3 attempts")
	assert.Contains(t, ge.Message, "429")
}

func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), DefaultRateLimitPolicy(), func(ctx context.Context) (int, error) {
		calls++
		return 0, schema.NewError(schema.ErrCodeAdapter, "AI API error 500: down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var ge *schema.GridError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, schema.ErrCodeAdapter, ge.Code)
	assert.Equal(t, "AI API error 500: down", ge.Message)
}

func TestRetryAfterHint(t *testing.T) {
	withHint := func(v any) error {
		return schema.NewError(schema.ErrCodeRateLimited, "x").WithDetails(map[string]any{"retry_after": v})
	}
	assert.Equal(t, 2*time.Second, retryAfter(withHint("2")))
	assert.Equal(t, 1500*time.Millisecond, retryAfter(withHint("1.5s")))
	assert.Zero(t, retryAfter(withHint("")))
	assert.Zero(t, retryAfter(errors.New("plain")))
}
