package engine

import (
	"context"
	"sync"

	"github.com/nodelab/conduct/internal/state"
	"github.com/nodelab/conduct/pkg/schema"
)

// EventAppender is satisfied by state.Repository; FSMs emit an event for
// every transition so the durable log always reflects the decided state
// before the in-memory status changes.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *state.Event) error
}

// ValidWorkflowTransitions defines the allowed workflow state transitions.
// Reset (running/paused -> pending) discards node state; the engine performs
// that cleanup, the FSM only validates and logs the move.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled, schema.WorkflowStatusTimedOut, schema.WorkflowStatusPending},
	schema.WorkflowStatusPaused:    {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed, schema.WorkflowStatusPending},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
	schema.WorkflowStatusTimedOut:  {},
}

// ValidNodeTransitions defines the allowed node state transitions.
// pending -> failed is the dependency-failure path: a node downstream of a
// failure is never scheduled.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusRetrying},
	schema.NodeStatusRetrying:  {schema.NodeStatusRunning, schema.NodeStatusFailed},
	schema.NodeStatusCompleted: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
}

// WorkflowFSM validates workflow lifecycle transitions and emits the
// matching event through the appender.
type WorkflowFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewWorkflowFSM creates a workflow FSM backed by the given appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{appender: appender}
}

// Transition validates and logs a workflow state transition. The caller is
// responsible for persisting the new status to the workflow record.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !transitionAllowed(ValidWorkflowTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	if eventType := workflowEventType(from, to); eventType != "" {
		event := &state.Event{
			WorkflowID: workflowID,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit workflow event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func workflowEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusPaused {
			return schema.EventWorkflowResumed
		}
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusPaused:
		return schema.EventWorkflowPaused
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	case schema.WorkflowStatusTimedOut:
		return schema.EventWorkflowTimedOut
	case schema.WorkflowStatusPending:
		return schema.EventWorkflowReset
	default:
		return ""
	}
}

// NodeFSM validates node lifecycle transitions and emits the matching event.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewNodeFSM creates a node FSM backed by the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

// Transition validates and logs a node state transition.
func (f *NodeFSM) Transition(ctx context.Context, workflowID, nodeID string, from, to schema.NodeStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !transitionAllowed(ValidNodeTransitions, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	if eventType := nodeEventType(to); eventType != "" {
		event := &state.Event{
			WorkflowID: workflowID,
			NodeID:     nodeID,
			Type:       eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}
	return nil
}

func nodeEventType(to schema.NodeStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusCompleted:
		return schema.EventNodeCompleted
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	case schema.NodeStatusRetrying:
		return schema.EventNodeRetrying
	default:
		return ""
	}
}

func transitionAllowed[S comparable](table map[S][]S, from, to S) bool {
	allowed, ok := table[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
