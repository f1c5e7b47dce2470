package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectSleeps(sleeps *[]time.Duration) sleepFunc {
	return func(_ context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return nil
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseWait: time.Second, MaxWait: 5 * time.Second}

	assert.Equal(t, time.Second, policy.backoff(1))
	assert.Equal(t, 2*time.Second, policy.backoff(2))
	assert.Equal(t, 4*time.Second, policy.backoff(3))
	assert.Equal(t, 5*time.Second, policy.backoff(4))
	assert.Equal(t, 5*time.Second, policy.backoff(10))
}

func TestExecuteWithRetrySucceedsFirstTry(t *testing.T) {
	var sleeps []time.Duration

	result, attempts, err := executeWithRetry(context.Background(), DefaultRetryPolicy(), collectSleeps(&sleeps),
		func() (map[string]interface{}, error) {
			return map[string]interface{}{"status": "sent"}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "sent", result["status"])
	assert.Empty(t, sleeps)
}

func TestExecuteWithRetryRecoversAfterTransientError(t *testing.T) {
	var sleeps []time.Duration
	calls := 0

	result, attempts, err := executeWithRetry(context.Background(), DefaultRetryPolicy(), collectSleeps(&sleeps),
		func() (map[string]interface{}, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("upstream timeout")
			}
			return map[string]interface{}{"id": "ok"}, nil
		})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "ok", result["id"])
	assert.Equal(t, []time.Duration{time.Second}, sleeps)
}

func TestExecuteWithRetryStopsAtBudget(t *testing.T) {
	var sleeps []time.Duration
	boom := errors.New("still down")

	_, attempts, err := executeWithRetry(context.Background(), DefaultRetryPolicy(), collectSleeps(&sleeps),
		func() (map[string]interface{}, error) {
			return nil, boom
		})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps)
}

func TestExecuteWithRetryConflictShortCircuits(t *testing.T) {
	var sleeps []time.Duration

	_, attempts, err := executeWithRetry(context.Background(), DefaultRetryPolicy(), collectSleeps(&sleeps),
		func() (map[string]interface{}, error) {
			return nil, &ConflictError{StatusCode: 409, Message: "already applied"}
		})

	assert.True(t, IsConflict(err))
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeps)
}

func TestExecuteWithRetryAbortsWhenSleepCancelled(t *testing.T) {
	cancelled := func(context.Context, time.Duration) error { return context.Canceled }

	_, attempts, err := executeWithRetry(context.Background(), DefaultRetryPolicy(), cancelled,
		func() (map[string]interface{}, error) {
			return nil, errors.New("transient")
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestSleepContextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepContext(ctx, 10*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
