package orch

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		ok     bool
	}{
		{"default", *DefaultRetryPolicy(), true},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, true},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, false},
		{"negative attempts", RetryPolicy{MaxAttempts: -1}, false},
		{"max below base", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: time.Millisecond}, false},
		{"uncapped", RetryPolicy{MaxAttempts: 2, BaseDelay: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidRetryPolicy) {
				t.Errorf("Validate() error = %v, want ErrInvalidRetryPolicy", err)
			}
		})
	}
}

func TestRetryableDefaultsToTransport(t *testing.T) {
	p := DefaultRetryPolicy()
	if !p.retryable(&TransportError{Op: "match", Err: errors.New("unreachable")}) {
		t.Error("transport error not retryable by default")
	}
	if p.retryable(errors.New("logical failure")) {
		t.Error("plain error retryable by default")
	}

	p.Retryable = func(error) bool { return true }
	if !p.retryable(errors.New("anything")) {
		t.Error("custom predicate ignored")
	}
}

func TestComputeBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 400 * time.Millisecond

	for attempt, wantExp := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond, // capped
		400 * time.Millisecond, // capped
	} {
		got := computeBackoff(attempt, base, maxDelay)
		if got < wantExp || got >= wantExp+base {
			t.Errorf("computeBackoff(%d) = %v, want [%v, %v)", attempt, got, wantExp, wantExp+base)
		}
	}

	if got := computeBackoff(3, 0, maxDelay); got != 0 {
		t.Errorf("computeBackoff with zero base = %v, want 0", got)
	}
}
