package faults

import (
	"context"
	"time"
)

// RetryPolicy controls the exponential backoff applied to transient
// failures: delay = Base * Factor^attempt, capped at Max.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Factor   int
}

// DefaultRetryPolicy is 3 attempts, 1s base delay, 60s cap, factor 2.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Base: time.Second, Max: 60 * time.Second, Factor: 2}
}

// Backoff returns the delay before the given zero-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return p.Base
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= time.Duration(p.Factor)
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Retry runs fn until it succeeds, returns a non-transient error, or the
// attempt budget is exhausted. Sleeps respect ctx cancellation.
func (p RetryPolicy) Retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if Classify(err) != ActionRetry {
			return err
		}
		if attempt == p.Attempts-1 {
			break
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
