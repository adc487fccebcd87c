package state

import (
	"encoding/json"
	"time"

	"github.com/nodelab/conduct/pkg/schema"
)

// WorkflowRecord is the persisted representation of a workflow execution.
type WorkflowRecord struct {
	ID             string                `json:"id"`
	Name           string                `json:"name,omitempty"`
	Payload        schema.GraphPayload   `json:"payload"`
	Status         schema.WorkflowStatus `json:"status"`
	Params         map[string]any        `json:"params,omitempty"`
	Results        json.RawMessage       `json:"results,omitempty"`
	Error          json.RawMessage       `json:"error,omitempty"`
	TargetResource string                `json:"target_resource,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// NodeRecord is the materialized view of a node's current execution state.
type NodeRecord struct {
	WorkflowID  string            `json:"workflow_id"`
	NodeID      string            `json:"node_id"`
	Status      schema.NodeStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the per-workflow event log.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	NodeID     string          `json:"node_id,omitempty"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// LineageRecord is a persisted entry in a workflow's resource lineage.
type LineageRecord struct {
	ID           int64     `json:"id"`
	WorkflowID   string    `json:"workflow_id"`
	Action       string    `json:"action"`
	SourceNode   string    `json:"source_node,omitempty"`
	ResourcePath string    `json:"resource_path,omitempty"`
	Violation    bool      `json:"violation"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status *schema.WorkflowStatus `json:"status,omitempty"`
	Since  *time.Time             `json:"since,omitempty"`
	Limit  int                    `json:"limit,omitempty"`
	Offset int                    `json:"offset,omitempty"`
}

// ScheduledJob is a recurring graph submission: the stored payload is
// submitted and run every time the cron expression fires.
type ScheduledJob struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	CronExpression string              `json:"cron_expression"`
	Payload        schema.GraphPayload `json:"payload"`
	Params         map[string]any      `json:"params,omitempty"`
	Enabled        bool                `json:"enabled"`
	LastRunAt      *time.Time          `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time          `json:"next_run_at,omitempty"`
	LastRunStatus  string              `json:"last_run_status,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow.
type WorkflowUpdate struct {
	Status         *schema.WorkflowStatus `json:"status,omitempty"`
	Results        json.RawMessage        `json:"results,omitempty"`
	Error          json.RawMessage        `json:"error,omitempty"`
	TargetResource *string                `json:"target_resource,omitempty"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`

	// ClearOutcome discards results, error, target resource and run
	// timestamps. Used when a workflow is reset to pending.
	ClearOutcome bool `json:"clear_outcome,omitempty"`
}
