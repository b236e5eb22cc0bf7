package dispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/relayproxy/relay/internal/config"
)

// backoffDelay computes the delay before attempt n (0-based), exponential
// with ±25% jitter, capped. Rate-limit failures start from a longer base.
func backoffDelay(n int, rateLimited bool, rs config.RetrySettings) time.Duration {
	base := rs.InitialDelay
	if rateLimited && rs.RateLimitDelay > base {
		base = rs.RateLimitDelay
	}

	d := base
	for i := 0; i < n; i++ {
		d *= 2
		if d >= rs.MaxDelay {
			d = rs.MaxDelay
			break
		}
	}
	if d > rs.MaxDelay {
		d = rs.MaxDelay
	}

	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// withRetry runs fn up to rs.MaxAttempts times. fn must be idempotent: the
// dispatcher re-marshals the request body per attempt, so no attempt ever
// observes a partially consumed body. Non-retryable errors return
// immediately; context cancellation wins over the delay.
func withRetry(ctx context.Context, rs config.RetrySettings, fn func() error) error {
	attempts := rs.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			derr := AsError(lastErr)
			delay := backoffDelay(n-1, derr.Kind == KindRateLimited, rs)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return NewError(KindTimeout, "cancelled while waiting to retry", ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !AsError(lastErr).Retryable() {
			return lastErr
		}
	}
	return lastErr
}
