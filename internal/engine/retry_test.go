package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelab/conduct/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped cancel", errors.Join(errors.New("run node"), context.Canceled), false},
		{"model error", schema.NewErrorf(schema.ErrCodeModelCall, "model refused"), true},
		{"execution error", schema.NewErrorf(schema.ErrCodeExecution, "tool crashed"), true},
		{"store error", schema.NewErrorf(schema.ErrCodeStore, "disk full"), true},
		{"validation error", schema.NewErrorf(schema.ErrCodeValidation, "bad params"), false},
		{"unknown tool", schema.NewErrorf(schema.ErrCodeUnknownTool, "no such tool"), false},
		{"missing parameter", schema.NewErrorf(schema.ErrCodeMissingParameter, "path required"), false},
		{"dependency failed", schema.NewErrorf(schema.ErrCodeDependencyFailed, "upstream failed"), false},
		{"conflict", schema.NewErrorf(schema.ErrCodeConflict, "already running"), false},
		{"plain error", errors.New("something odd"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	cases := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 0, 0},
		{"no delay", &schema.RetryPolicy{Max: 3}, 1, 0},
		{"bad delay string", &schema.RetryPolicy{Delay: "soon"}, 1, 0},
		{"constant", &schema.RetryPolicy{Delay: "2s", Backoff: "constant"}, 5, 2 * time.Second},
		{"default is constant", &schema.RetryPolicy{Delay: "500ms"}, 3, 500 * time.Millisecond},
		{"linear attempt 0", &schema.RetryPolicy{Delay: "1s", Backoff: "linear"}, 0, time.Second},
		{"linear attempt 2", &schema.RetryPolicy{Delay: "1s", Backoff: "linear"}, 2, 3 * time.Second},
		{"exponential attempt 0", &schema.RetryPolicy{Delay: "1s", Backoff: "exponential"}, 0, time.Second},
		{"exponential attempt 3", &schema.RetryPolicy{Delay: "1s", Backoff: "exponential"}, 3, 8 * time.Second},
		{"max delay cap", &schema.RetryPolicy{Delay: "1s", Backoff: "exponential", MaxDelay: "5s"}, 10, 5 * time.Second},
		{"cap ignored when invalid", &schema.RetryPolicy{Delay: "1s", Backoff: "linear", MaxDelay: "bogus"}, 3, 4 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ComputeBackoff(tc.policy, tc.attempt))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	t.Run("zero returns immediately", func(t *testing.T) {
		require.NoError(t, WaitForBackoff(context.Background(), 0))
	})

	t.Run("waits out short delay", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, WaitForBackoff(context.Background(), 10*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("cancelled while waiting", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(5 * time.Millisecond)
			cancel()
		}()
		err := WaitForBackoff(ctx, 5*time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})
}
