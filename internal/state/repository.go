package state

import "context"

// Repository defines the persistence contract for workflow state.
// All implementations must be safe for concurrent use.
type Repository interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Node state (materialized view)
	UpsertNodeState(ctx context.Context, rec *NodeRecord) error
	GetNodeState(ctx context.Context, workflowID, nodeID string) (*NodeRecord, error)
	ListNodeStates(ctx context.Context, workflowID string) ([]*NodeRecord, error)
	ResetNodeStates(ctx context.Context, workflowID string) error

	// Event log (append-only, per-workflow sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Resource lineage
	AppendLineage(ctx context.Context, rec *LineageRecord) error
	GetLineage(ctx context.Context, workflowID string) ([]*LineageRecord, error)

	// Scheduled jobs
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	DeleteScheduledJob(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
