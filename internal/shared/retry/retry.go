// Package retry provides a data-driven retry policy consumed by a
// generic executor, so callers configure attempts and backoff as values
// instead of hand-rolling loops.
package retry

import (
	"context"
	"time"
)

// Policy describes how an operation is retried. MaxAttempts of zero
// means retry forever. Retryable decides whether a given failure is
// worth another attempt; a nil Retryable retries everything.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Retryable   func(error) bool
}

// Once makes exactly one attempt and surfaces the failure as-is.
var Once = Policy{MaxAttempts: 1}

// Forever retries indefinitely with a fixed delay between attempts.
func Forever(delay time.Duration) Policy {
	return Policy{Delay: delay}
}

// Backoff retries up to maxAttempts with exponentially growing delays.
func Backoff(maxAttempts int, minDelay, maxDelay time.Duration) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Delay:       minDelay,
		MaxDelay:    maxDelay,
		Multiplier:  2,
	}
}

// Do runs fn under the policy, sleeping between attempts. It returns the
// last error once attempts are exhausted, fn reports a non-retryable
// error, or ctx is cancelled.
func Do(ctx context.Context, pol Policy, fn func(ctx context.Context) error) error {
	delay := pol.Delay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if pol.Retryable != nil && !pol.Retryable(err) {
			return err
		}
		if pol.MaxAttempts > 0 && attempt >= pol.MaxAttempts {
			return err
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		if pol.Multiplier > 1 {
			delay = time.Duration(float64(delay) * pol.Multiplier)
			if pol.MaxDelay > 0 && delay > pol.MaxDelay {
				delay = pol.MaxDelay
			}
		}
	}
}
