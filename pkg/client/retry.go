package client

import (
	"math/rand"
	"time"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial request).
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// backoffFor computes the delay before the given retry (attempt is 1-based,
// counting the attempt that just failed). The base delay doubles per attempt,
// capped at MaxBackoff, with ±20% jitter to avoid thundering herd.
func (c RetryConfig) backoffFor(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff >= c.MaxBackoff {
			backoff = c.MaxBackoff
			break
		}
	}
	if backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}

	jittered := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
	return jittered
}

// shouldRetry reports whether a failed attempt may be repeated. Reads are
// always safe to retry; writes only when the caller marked the request
// idempotent. On top of that, only retryable error kinds qualify.
func shouldRetry(req Request, kind ErrorKind) bool {
	if !IsRetryable(kind) {
		return false
	}
	return req.read() || req.Idempotent
}
