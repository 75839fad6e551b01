package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for transient failures.
// MaxAttempts counts the first try.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	OnRetry     func(attempt int, err error)
}

func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, MaxDelay: 2 * time.Second}
}

// Do runs fn until it succeeds, the attempts are exhausted, the error is not
// retryable or ctx ends. The last error is returned.
func (r RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := r.IsRetryable
	if retryable == nil {
		retryable = DefaultIsRetryable
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			if err == nil {
				err = cerr
			}
			return err
		}
		err = fn(ctx, i+1)
		if err == nil {
			return nil
		}
		if i == attempts-1 || !retryable(err) {
			return err
		}
		if r.OnRetry != nil {
			r.OnRetry(i+1, err)
		}
		timer := time.NewTimer(r.delay(i, rng))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func (r RetryPolicy) delay(attempt int, rng *rand.Rand) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		return 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if r.Jitter > 0 {
		d += time.Duration(float64(d) * r.Jitter * rng.Float64())
	}
	return d
}

// DefaultIsRetryable retries everything except context cancellation and an
// open circuit.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrCircuitOpen)
}
