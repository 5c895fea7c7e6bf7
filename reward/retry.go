package reward

import (
	"context"
	"time"
)

// RetryPolicy retries an operation with exponential backoff while its
// Retryable predicate accepts the error. It is shared by the award path and
// any other short DB transaction that can hit contention.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy retries transient database errors a few times with
// doubling delays starting at base.
func DefaultRetryPolicy(maxAttempts int, base time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		MaxDelay:    5 * time.Second,
		Retryable:   IsTransient,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, exhausts the
// attempt budget, or the context is canceled. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt >= p.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}
