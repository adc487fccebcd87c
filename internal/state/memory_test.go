package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelab/conduct/pkg/schema"
)

func sampleRecord(id string) *WorkflowRecord {
	return &WorkflowRecord{
		ID:     id,
		Name:   "report-run",
		Status: schema.WorkflowStatusPending,
		Payload: schema.GraphPayload{
			Nodes: []schema.NodeSpec{{ID: "a", Type: "default", Data: schema.NodeSpecData{Label: "a"}}},
		},
		Params: map[string]any{"topic": "q3"},
	}
}

func assertConductCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var ce *schema.ConductError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code, ce.Code)
}

// --- Workflow CRUD ---

func TestMemoryRepository_CreateAndGetWorkflow(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	wf := sampleRecord(uuid.NewString())
	require.NoError(t, r.CreateWorkflow(ctx, wf))

	got, err := r.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "report-run", got.Name)
	assert.Equal(t, schema.WorkflowStatusPending, got.Status)
	assert.Len(t, got.Payload.Nodes, 1)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemoryRepository_CreateWorkflow_Duplicate(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	wf := sampleRecord("wf-dup")
	require.NoError(t, r.CreateWorkflow(ctx, wf))
	assertConductCode(t, r.CreateWorkflow(ctx, sampleRecord("wf-dup")), schema.ErrCodeConflict)
}

func TestMemoryRepository_GetWorkflow_NotFound(t *testing.T) {
	r := NewMemoryRepository()
	_, err := r.GetWorkflow(context.Background(), "missing")
	assertConductCode(t, err, schema.ErrCodeNotFound)
}

func TestMemoryRepository_GetWorkflow_ReturnsCopy(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, sampleRecord("wf-copy")))

	got, err := r.GetWorkflow(ctx, "wf-copy")
	require.NoError(t, err)
	got.Name = "mutated"

	again, err := r.GetWorkflow(ctx, "wf-copy")
	require.NoError(t, err)
	assert.Equal(t, "report-run", again.Name)
}

func TestMemoryRepository_UpdateWorkflow(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, sampleRecord("wf-1")))

	status := schema.WorkflowStatusRunning
	started := time.Now().UTC()
	target := "/ws/report.docx"
	err := r.UpdateWorkflow(ctx, "wf-1", WorkflowUpdate{
		Status:         &status,
		StartedAt:      &started,
		TargetResource: &target,
		Results:        json.RawMessage(`{"a.result":"ok"}`),
	})
	require.NoError(t, err)

	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, got.Status)
	assert.Equal(t, "/ws/report.docx", got.TargetResource)
	require.NotNil(t, got.StartedAt)
	assert.JSONEq(t, `{"a.result":"ok"}`, string(got.Results))
}

func TestMemoryRepository_UpdateWorkflow_ClearOutcome(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, sampleRecord("wf-reset")))

	started := time.Now().UTC()
	completed := started.Add(time.Second)
	target := "/ws/out.docx"
	require.NoError(t, r.UpdateWorkflow(ctx, "wf-reset", WorkflowUpdate{
		Results:        json.RawMessage(`{"a.result":1}`),
		Error:          json.RawMessage(`{"code":"NODE_FAILED"}`),
		TargetResource: &target,
		StartedAt:      &started,
		CompletedAt:    &completed,
	}))

	status := schema.WorkflowStatusPending
	require.NoError(t, r.UpdateWorkflow(ctx, "wf-reset", WorkflowUpdate{
		Status:       &status,
		ClearOutcome: true,
	}))

	got, err := r.GetWorkflow(ctx, "wf-reset")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusPending, got.Status)
	assert.Nil(t, got.Results)
	assert.Nil(t, got.Error)
	assert.Empty(t, got.TargetResource)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestMemoryRepository_UpdateWorkflow_NotFound(t *testing.T) {
	r := NewMemoryRepository()
	assertConductCode(t, r.UpdateWorkflow(context.Background(), "nope", WorkflowUpdate{}), schema.ErrCodeNotFound)
}

func TestMemoryRepository_ListWorkflows(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"wf-a", "wf-b", "wf-c"} {
		wf := sampleRecord(id)
		wf.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, r.CreateWorkflow(ctx, wf))
	}
	status := schema.WorkflowStatusCompleted
	require.NoError(t, r.UpdateWorkflow(ctx, "wf-b", WorkflowUpdate{Status: &status}))

	t.Run("newest first", func(t *testing.T) {
		out, err := r.ListWorkflows(ctx, WorkflowFilter{})
		require.NoError(t, err)
		require.Len(t, out, 3)
		assert.Equal(t, "wf-c", out[0].ID)
		assert.Equal(t, "wf-a", out[2].ID)
	})

	t.Run("status filter", func(t *testing.T) {
		st := schema.WorkflowStatusCompleted
		out, err := r.ListWorkflows(ctx, WorkflowFilter{Status: &st})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "wf-b", out[0].ID)
	})

	t.Run("since filter", func(t *testing.T) {
		since := base.Add(30 * time.Second)
		out, err := r.ListWorkflows(ctx, WorkflowFilter{Since: &since})
		require.NoError(t, err)
		assert.Len(t, out, 2)
	})

	t.Run("offset and limit", func(t *testing.T) {
		out, err := r.ListWorkflows(ctx, WorkflowFilter{Offset: 1, Limit: 1})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "wf-b", out[0].ID)
	})

	t.Run("offset past end", func(t *testing.T) {
		out, err := r.ListWorkflows(ctx, WorkflowFilter{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, out)
	})
}

func TestMemoryRepository_DeleteWorkflow(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, sampleRecord("wf-del")))
	require.NoError(t, r.UpsertNodeState(ctx, &NodeRecord{WorkflowID: "wf-del", NodeID: "a", Status: schema.NodeStatusPending}))
	require.NoError(t, r.AppendEvent(ctx, &Event{WorkflowID: "wf-del", Type: schema.EventWorkflowSubmitted}))

	require.NoError(t, r.DeleteWorkflow(ctx, "wf-del"))

	_, err := r.GetWorkflow(ctx, "wf-del")
	assertConductCode(t, err, schema.ErrCodeNotFound)
	states, err := r.ListNodeStates(ctx, "wf-del")
	require.NoError(t, err)
	assert.Empty(t, states)
	events, err := r.GetEvents(ctx, "wf-del", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	assertConductCode(t, r.DeleteWorkflow(ctx, "wf-del"), schema.ErrCodeNotFound)
}

// --- Node state ---

func TestMemoryRepository_NodeStateLifecycle(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	rec := &NodeRecord{WorkflowID: "wf-n", NodeID: "fetch", Status: schema.NodeStatusPending}
	require.NoError(t, r.UpsertNodeState(ctx, rec))

	rec.Status = schema.NodeStatusCompleted
	rec.Attempts = 2
	rec.Output = json.RawMessage(`{"echo":"fetch"}`)
	require.NoError(t, r.UpsertNodeState(ctx, rec))

	got, err := r.GetNodeState(ctx, "wf-n", "fetch")
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusCompleted, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.JSONEq(t, `{"echo":"fetch"}`, string(got.Output))
}

func TestMemoryRepository_GetNodeState_NotFound(t *testing.T) {
	r := NewMemoryRepository()
	_, err := r.GetNodeState(context.Background(), "wf-n", "missing")
	assertConductCode(t, err, schema.ErrCodeNotFound)
}

func TestMemoryRepository_ListNodeStates_SortedByNodeID(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.UpsertNodeState(ctx, &NodeRecord{WorkflowID: "wf-s", NodeID: id, Status: schema.NodeStatusPending}))
	}

	out, err := r.ListNodeStates(ctx, "wf-s")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "alpha", out[0].NodeID)
	assert.Equal(t, "mid", out[1].NodeID)
	assert.Equal(t, "zeta", out[2].NodeID)
}

func TestMemoryRepository_ResetNodeStates(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.UpsertNodeState(ctx, &NodeRecord{WorkflowID: "wf-r", NodeID: "a", Status: schema.NodeStatusFailed}))

	require.NoError(t, r.ResetNodeStates(ctx, "wf-r"))

	out, err := r.ListNodeStates(ctx, "wf-r")
	require.NoError(t, err)
	assert.Empty(t, out)
}

// --- Events ---

func TestMemoryRepository_AppendEvent_SequencesPerWorkflow(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	e1 := &Event{WorkflowID: "wf-1", Type: schema.EventWorkflowSubmitted}
	e2 := &Event{WorkflowID: "wf-1", Type: schema.EventWorkflowStarted}
	other := &Event{WorkflowID: "wf-2", Type: schema.EventWorkflowSubmitted}
	require.NoError(t, r.AppendEvent(ctx, e1))
	require.NoError(t, r.AppendEvent(ctx, other))
	require.NoError(t, r.AppendEvent(ctx, e2))

	// Sequence is written back to the caller's event.
	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(2), e2.Sequence)
	assert.Equal(t, int64(1), other.Sequence)

	events, err := r.GetEvents(ctx, "wf-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventWorkflowSubmitted, events[0].Type)
	assert.NotZero(t, events[0].ID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestMemoryRepository_GetEvents_Since(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	for _, typ := range []string{schema.EventWorkflowSubmitted, schema.EventWorkflowStarted, schema.EventWorkflowCompleted} {
		require.NoError(t, r.AppendEvent(ctx, &Event{WorkflowID: "wf-e", Type: typ}))
	}

	events, err := r.GetEvents(ctx, "wf-e", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventWorkflowStarted, events[0].Type)
	assert.Equal(t, schema.EventWorkflowCompleted, events[1].Type)
}

// --- Lineage ---

func TestMemoryRepository_Lineage(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, r.AppendLineage(ctx, &LineageRecord{
		WorkflowID:   "wf-l",
		Action:       "document.create_document",
		SourceNode:   "draft",
		ResourcePath: "/ws/report.docx",
		Success:      true,
	}))
	require.NoError(t, r.AppendLineage(ctx, &LineageRecord{
		WorkflowID:   "wf-l",
		Action:       "document.save",
		SourceNode:   "draft",
		ResourcePath: "/ws/other.docx",
		Violation:    true,
	}))

	out, err := r.GetLineage(ctx, "wf-l")
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "document.create_document", out[0].Action)
	assert.True(t, out[0].Success)
	assert.NotZero(t, out[0].ID)
	assert.True(t, out[1].Violation)
	assert.False(t, out[1].Timestamp.IsZero())
}

// --- Scheduled jobs ---

func sampleJob(id string) *ScheduledJob {
	return &ScheduledJob{
		ID:             id,
		Name:           "nightly-report",
		CronExpression: "0 2 * * *",
		Payload: schema.GraphPayload{
			Nodes: []schema.NodeSpec{{ID: "a", Type: "default", Data: schema.NodeSpecData{Label: "a"}}},
		},
		Enabled: true,
	}
}

func TestMemoryRepository_ScheduledJobCRUD(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	job := sampleJob("job-1")
	require.NoError(t, r.CreateScheduledJob(ctx, job))
	assertConductCode(t, r.CreateScheduledJob(ctx, sampleJob("job-1")), schema.ErrCodeConflict)

	got, err := r.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", got.Name)
	assert.Equal(t, "0 2 * * *", got.CronExpression)
	assert.True(t, got.Enabled)

	require.NoError(t, r.DeleteScheduledJob(ctx, "job-1"))
	_, err = r.GetScheduledJob(ctx, "job-1")
	assertConductCode(t, err, schema.ErrCodeNotFound)
	assertConductCode(t, r.DeleteScheduledJob(ctx, "job-1"), schema.ErrCodeNotFound)
}

func TestMemoryRepository_ListScheduledJobs(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	j1 := sampleJob("job-a")
	j1.CreatedAt = base
	j2 := sampleJob("job-b")
	j2.CreatedAt = base.Add(time.Minute)
	j2.Enabled = false
	require.NoError(t, r.CreateScheduledJob(ctx, j2))
	require.NoError(t, r.CreateScheduledJob(ctx, j1))

	all, err := r.ListScheduledJobs(ctx, ScheduledJobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "job-a", all[0].ID) // oldest first
	assert.Equal(t, "job-b", all[1].ID)

	enabled := true
	out, err := r.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "job-a", out[0].ID)
}

func TestMemoryRepository_UpdateScheduledJob(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	require.NoError(t, r.CreateScheduledJob(ctx, sampleJob("job-u")))

	disabled := false
	lastRun := time.Now().UTC()
	nextRun := lastRun.Add(24 * time.Hour)
	require.NoError(t, r.UpdateScheduledJob(ctx, "job-u", ScheduledJobUpdate{
		Enabled:       &disabled,
		LastRunAt:     &lastRun,
		NextRunAt:     &nextRun,
		LastRunStatus: "success",
	}))

	got, err := r.GetScheduledJob(ctx, "job-u")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(*got.LastRunAt))

	assertConductCode(t, r.UpdateScheduledJob(ctx, "missing", ScheduledJobUpdate{}), schema.ErrCodeNotFound)
}
