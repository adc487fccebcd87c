package schema

// WorkflowStatus represents the lifecycle state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	WorkflowStatusTimedOut  WorkflowStatus = "timed_out"
)

// Terminal reports whether the workflow status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusTimedOut:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of a node execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusRetrying  NodeStatus = "retrying"
)

// Terminal reports whether the node status admits no further transitions.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
		return true
	}
	return false
}

// Event type constants for the durable transition log.
const (
	EventWorkflowSubmitted = "workflow_submitted"
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowResumed   = "workflow_resumed"
	EventWorkflowReset     = "workflow_reset"
	EventWorkflowTimedOut  = "workflow_timed_out"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventToolCallRouted    = "tool_call_routed"
	EventLineageViolation  = "lineage_violation"
	EventTargetResourceSet = "target_resource_set"
)
