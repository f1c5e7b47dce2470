package worker

import (
	"context"
	"time"
)

// RetryPolicy bounds the provider-call harness. MaxAttempts counts every
// try including the first; waits grow exponentially from BaseWait up to
// MaxWait.
type RetryPolicy struct {
	MaxAttempts int
	BaseWait    time.Duration
	MaxWait     time.Duration
}

// DefaultRetryPolicy is three attempts with waits of 1s then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseWait:    time.Second,
		MaxWait:     30 * time.Second,
	}
}

// backoff returns the wait after the given 1-based attempt fails.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	wait := p.BaseWait
	for i := 1; i < attempt; i++ {
		wait *= 2
		if wait >= p.MaxWait {
			return p.MaxWait
		}
	}
	if wait > p.MaxWait {
		return p.MaxWait
	}
	return wait
}

// sleepFunc waits for a duration, aborting early if ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// executeWithRetry runs fn until it succeeds, conflicts, or the attempt
// budget is spent. Conflicts return immediately; every other error is
// retried after an exponential wait. Returns the attempts consumed.
func executeWithRetry(ctx context.Context, policy RetryPolicy, sleep sleepFunc, fn func() (map[string]interface{}, error)) (map[string]interface{}, int, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	for {
		attempts++
		result, err := fn()
		if err == nil {
			return result, attempts, nil
		}
		if IsConflict(err) {
			return nil, attempts, err
		}
		if attempts >= maxAttempts {
			return nil, attempts, err
		}
		if sleepErr := sleep(ctx, policy.backoff(attempts)); sleepErr != nil {
			return nil, attempts, sleepErr
		}
	}
}
