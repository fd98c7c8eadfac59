// Package retry provides bounded exponential backoff with jitter, shared by
// every component that re-attempts transient failures in place.
package retry

import (
	"context"
	"math/rand"
	"time"

	"distillo/internal/config"
)

// Do retries fn with exponential backoff and jitter. Only errors the
// predicate accepts are retried; anything else returns immediately, as does
// context cancellation.
func Do[T any](ctx context.Context, rc config.RetryConfig, retryable func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= rc.Attempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, err
		}

		if attempt < rc.Attempts {
			select {
			case <-time.After(Backoff(rc, attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}
	return zero, lastErr
}

// Backoff returns the wait before re-attempting after the given zero-based
// attempt: base doubled per attempt, capped at MaxDelayMS, spread by the
// configured jitter ratio.
func Backoff(rc config.RetryConfig, attempt int) time.Duration {
	base := time.Duration(rc.BaseDelayMS) * time.Millisecond
	if base <= 0 {
		base = time.Millisecond
	}
	wait := base << uint(attempt)
	if max := time.Duration(rc.MaxDelayMS) * time.Millisecond; max > 0 && wait > max {
		wait = max
	}
	if rc.JitterRatio > 0 {
		spread := float64(wait) * rc.JitterRatio
		wait += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}
