package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeDanglingEdge      = "DANGLING_EDGE"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeModelCall         = "MODEL_ERROR"
	ErrCodeUnknownTool       = "UNKNOWN_TOOL"
	ErrCodeMissingParameter  = "MISSING_PARAMETER"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeExecution         = "EXECUTION_ERROR"
)

// ConductError is the structured error type for all engine operations.
type ConductError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductError.
func NewError(code, message string) *ConductError {
	return &ConductError{Code: code, Message: message}
}

// NewErrorf creates a new ConductError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductError {
	return &ConductError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ConductError) WithNode(nodeID string) *ConductError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductError) WithCause(err error) *ConductError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductError) WithDetails(details map[string]any) *ConductError {
	e.Details = details
	return e
}

// AsConductError returns err as a *ConductError, wrapping foreign errors
// under ErrCodeExecution.
func AsConductError(err error) *ConductError {
	if err == nil {
		return nil
	}
	var ce *ConductError
	if errors.As(err, &ce) {
		return ce
	}
	return NewError(ErrCodeExecution, err.Error()).WithCause(err)
}

// IsRetryable reports whether the error class is worth retrying.
// Validation, routing and transition errors are deterministic and never
// succeed on a second attempt; model and store errors might.
func (e *ConductError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeDanglingEdge,
		ErrCodeUnknownTool, ErrCodeMissingParameter, ErrCodeInvalidTransition,
		ErrCodeNotFound, ErrCodeConflict, ErrCodeCancelled, ErrCodeDependencyFailed:
		return false
	}
	return true
}
