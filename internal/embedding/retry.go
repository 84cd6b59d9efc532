package embedding

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds the backoff loop for upstream model calls.
type RetryPolicy struct {
	// MaxAttempts includes the first try.
	MaxAttempts int
	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration
}

// DefaultRetryPolicy matches the production tuning: 5 attempts, 500 ms base.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond}
}

// Delay computes the sleep before attempt k (1-based, so the delay after the
// k-th failure): base * 2^(k-1) plus jitter uniform in [0, base * 2^(k-1)).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	step := p.BaseDelay << (attempt - 1)
	if step <= 0 {
		return p.BaseDelay
	}
	return step + time.Duration(rand.Int63n(int64(step)))
}

// do runs fn up to MaxAttempts times, sleeping per the schedule between
// attempts, but only while retryable reports the error as worth retrying.
// Any other failure propagates immediately.
func (p RetryPolicy) do(ctx context.Context, fn func(ctx context.Context) error, retryable func(error) bool) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for k := 1; k <= attempts; k++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		if k == attempts {
			break
		}
		select {
		case <-time.After(p.Delay(k)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
