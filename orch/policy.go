package orch

import (
	"math/rand"
	"time"
)

// RetryPolicy defines the bounded retry budget for transport-level dispatch
// faults. Backend logical failures are never retried; they are already a
// definitive answer from the backend.
//
// Exponential backoff with jitter avoids synchronized retry storms when many
// parallel steps hit the same unreachable target group.
type RetryPolicy struct {
	// MaxAttempts is the total number of dispatch attempts (including the
	// first). Must be >= 1; 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base for exponential backoff between attempts.
	// The delay before retry n is min(BaseDelay * 2^n, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means only transport errors (IsTransport) are retried.
	Retryable func(error) bool
}

// DefaultRetryPolicy is the dispatcher's budget when none is configured:
// three attempts with short backoff, transport faults only.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Validate checks the policy's constraints.
func (p *RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if p.MaxDelay > 0 && p.BaseDelay > 0 && p.MaxDelay < p.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// retryable applies the configured predicate, defaulting to transport-only.
func (p *RetryPolicy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransport(err)
}

// computeBackoff calculates the delay before the next dispatch attempt:
// min(base * 2^attempt, maxDelay) + jitter(0, base). attempt is zero-based.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	// Jitter timing only, not security sensitive.
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404
	return delay + jitter
}
