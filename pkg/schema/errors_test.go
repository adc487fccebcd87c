package schema

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConductError_Error(t *testing.T) {
	err := NewError(ErrCodeValidation, "bad payload")
	assert.Equal(t, "[VALIDATION_ERROR] bad payload", err.Error())

	err = err.WithNode("n1")
	assert.Equal(t, "[VALIDATION_ERROR] node n1: bad payload", err.Error())
}

func TestConductError_Unwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write failed").WithCause(cause)
	assert.True(t, errors.Is(err, cause))
}

func TestConductError_Builders(t *testing.T) {
	err := NewErrorf(ErrCodeNodeFailed, "node %s blew up", "n2").
		WithNode("n2").
		WithDetails(map[string]any{"attempt": 3})

	assert.Equal(t, ErrCodeNodeFailed, err.Code)
	assert.Equal(t, "node n2 blew up", err.Message)
	assert.Equal(t, "n2", err.NodeID)
	assert.Equal(t, 3, err.Details["attempt"])
}

func TestConductError_JSONOmitsCause(t *testing.T) {
	err := NewError(ErrCodeTimeout, "too slow").WithCause(errors.New("internal"))
	raw, merr := json.Marshal(err)
	require.NoError(t, merr)
	assert.NotContains(t, string(raw), "internal")
	assert.Contains(t, string(raw), "TIMEOUT_ERROR")
}

func TestAsConductError(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.Nil(t, AsConductError(nil))
	})

	t.Run("passthrough", func(t *testing.T) {
		orig := NewError(ErrCodeUnknownTool, "no such tool")
		assert.Same(t, orig, AsConductError(orig))
	})

	t.Run("wrapped", func(t *testing.T) {
		orig := NewError(ErrCodeModelCall, "model down")
		got := AsConductError(errors.Join(errors.New("outer"), orig))
		assert.Same(t, orig, got)
	})

	t.Run("foreign", func(t *testing.T) {
		plain := errors.New("boom")
		got := AsConductError(plain)
		assert.Equal(t, ErrCodeExecution, got.Code)
		assert.Equal(t, "boom", got.Message)
		assert.True(t, errors.Is(got, plain))
	})
}

func TestIsRetryable(t *testing.T) {
	retryable := []string{ErrCodeModelCall, ErrCodeStore, ErrCodeTimeout, ErrCodeExecution, ErrCodeNodeFailed}
	for _, code := range retryable {
		assert.True(t, NewError(code, "x").IsRetryable(), code)
	}

	deterministic := []string{
		ErrCodeValidation, ErrCodeCycleDetected, ErrCodeDanglingEdge,
		ErrCodeUnknownTool, ErrCodeMissingParameter, ErrCodeInvalidTransition,
		ErrCodeNotFound, ErrCodeConflict, ErrCodeCancelled, ErrCodeDependencyFailed,
	}
	for _, code := range deterministic {
		assert.False(t, NewError(code, "x").IsRetryable(), code)
	}
}

func TestWorkflowStatus_Terminal(t *testing.T) {
	assert.False(t, WorkflowStatusPending.Terminal())
	assert.False(t, WorkflowStatusRunning.Terminal())
	assert.False(t, WorkflowStatusPaused.Terminal())
	assert.True(t, WorkflowStatusCompleted.Terminal())
	assert.True(t, WorkflowStatusFailed.Terminal())
	assert.True(t, WorkflowStatusCancelled.Terminal())
	assert.True(t, WorkflowStatusTimedOut.Terminal())
}

func TestNodeStatus_Terminal(t *testing.T) {
	assert.False(t, NodeStatusPending.Terminal())
	assert.False(t, NodeStatusRunning.Terminal())
	assert.False(t, NodeStatusRetrying.Terminal())
	assert.True(t, NodeStatusCompleted.Terminal())
	assert.True(t, NodeStatusFailed.Terminal())
	assert.True(t, NodeStatusSkipped.Terminal())
}

func TestResolveKind(t *testing.T) {
	tests := []struct {
		name string
		spec NodeSpec
		want NodeKind
	}{
		{"type alias", NodeSpec{Type: "llm"}, KindExecution},
		{"nodeType wins", NodeSpec{Type: "llm", Data: NodeSpecData{NodeType: "resource"}}, KindMaterial},
		{"unknown falls back", NodeSpec{Type: "widget"}, KindDefault},
		{"empty falls back", NodeSpec{}, KindDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveKind(&tt.spec))
		})
	}
}
