// Package backoff provides the retry delay policy for SMTP submission:
// exponential growth with additive uniform jitter, capped, and cancellable
// sleeps tied to the caller's deadline.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy computes delays between send attempts.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// New returns a Policy with the given bounds, falling back to the
// 1s/60s defaults when unset.
func New(initial, max time.Duration) Policy {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	return Policy{Initial: initial, Max: max}
}

// Delay returns the sleep before retrying after the given attempt number
// (1-based): initial * 2^(attempt-1) plus a uniform jitter of up to 30% of
// that value, capped at Max. The jitter is additive, so the result never
// undershoots the exponential floor.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(p.Initial) * math.Pow(2, float64(attempt-1))
	jitter := rand.Float64() * 0.3 * exp
	d := time.Duration(exp + jitter)
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Sleep blocks for d or until ctx is done, returning ctx.Err() when the
// deadline wins. Never busy-loops on the clock.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
