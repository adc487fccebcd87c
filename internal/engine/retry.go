package engine

import (
	"context"
	"errors"
	"time"

	"github.com/nodelab/conduct/pkg/schema"
)

// IsRetryableError classifies whether a node error should be retried.
// Deterministic failures (validation, unknown tool, missing parameter) will
// fail the same way again and are never retried; cancellation means the run
// is shutting down.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	// A node-level deadline is retryable; the workflow-level timeout cancels
	// the run before a retry can start.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var cErr *schema.ConductError
	if errors.As(err, &cErr) {
		return cErr.IsRetryable()
	}

	// Unknown error shape: retryable, the policy caps attempts.
	return true
}

// ComputeBackoff calculates the delay before the next retry attempt.
// Supports none, constant, linear, and exponential backoff with an optional
// max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	case "constant":
		delay = base
	default: // "none" or empty
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for the computed backoff or returns early if the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
