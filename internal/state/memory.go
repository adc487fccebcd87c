package state

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is an in-memory Repository used by tests and ephemeral
// runs where nothing should outlive the process.
type MemoryRepository struct {
	mu        sync.RWMutex
	workflows map[string]*WorkflowRecord
	nodes     map[string]map[string]*NodeRecord
	events    map[string][]*Event
	lineage   map[string][]*LineageRecord
	jobs      map[string]*ScheduledJob
	nextID    int64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		workflows: make(map[string]*WorkflowRecord),
		nodes:     make(map[string]map[string]*NodeRecord),
		events:    make(map[string][]*Event),
		lineage:   make(map[string][]*LineageRecord),
		jobs:      make(map[string]*ScheduledJob),
	}
}

func (r *MemoryRepository) CreateWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[wf.ID]; ok {
		return repoConflict("workflow", wf.ID)
	}
	cp := *wf
	cp.CreatedAt = timeOrNow(wf.CreatedAt)
	cp.UpdatedAt = timeOrNow(wf.UpdatedAt)
	r.workflows[wf.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, repoNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (r *MemoryRepository) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return repoNotFound("workflow", id)
	}
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.Results != nil {
		wf.Results = update.Results
	}
	if update.Error != nil {
		wf.Error = update.Error
	}
	if update.TargetResource != nil {
		wf.TargetResource = *update.TargetResource
	}
	if update.StartedAt != nil {
		wf.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		wf.CompletedAt = update.CompletedAt
	}
	if update.ClearOutcome {
		wf.Results = nil
		wf.Error = nil
		wf.TargetResource = ""
		wf.StartedAt = nil
		wf.CompletedAt = nil
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*WorkflowRecord
	for _, wf := range r.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && wf.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) DeleteWorkflow(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[id]; !ok {
		return repoNotFound("workflow", id)
	}
	delete(r.workflows, id)
	delete(r.nodes, id)
	delete(r.events, id)
	delete(r.lineage, id)
	return nil
}

func (r *MemoryRepository) UpsertNodeState(ctx context.Context, rec *NodeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byNode, ok := r.nodes[rec.WorkflowID]
	if !ok {
		byNode = make(map[string]*NodeRecord)
		r.nodes[rec.WorkflowID] = byNode
	}
	cp := *rec
	byNode[rec.NodeID] = &cp
	return nil
}

func (r *MemoryRepository) GetNodeState(ctx context.Context, workflowID, nodeID string) (*NodeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[workflowID][nodeID]
	if !ok {
		return nil, repoNotFound("node_state", workflowID+"/"+nodeID)
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryRepository) ListNodeStates(ctx context.Context, workflowID string) ([]*NodeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*NodeRecord
	for _, rec := range r.nodes[workflowID] {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func (r *MemoryRepository) ResetNodeStates(ctx context.Context, workflowID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, workflowID)
	return nil
}

func (r *MemoryRepository) AppendEvent(ctx context.Context, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *event
	r.nextID++
	cp.ID = r.nextID
	cp.Sequence = int64(len(r.events[event.WorkflowID])) + 1
	cp.Timestamp = timeOrNow(event.Timestamp)
	event.Sequence = cp.Sequence
	r.events[event.WorkflowID] = append(r.events[event.WorkflowID], &cp)
	return nil
}

func (r *MemoryRepository) GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Event
	for _, e := range r.events[workflowID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) AppendLineage(ctx context.Context, rec *LineageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *rec
	r.nextID++
	cp.ID = r.nextID
	cp.Timestamp = timeOrNow(rec.Timestamp)
	r.lineage[rec.WorkflowID] = append(r.lineage[rec.WorkflowID], &cp)
	return nil
}

func (r *MemoryRepository) GetLineage(ctx context.Context, workflowID string) ([]*LineageRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*LineageRecord
	for _, rec := range r.lineage[workflowID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.ID]; ok {
		return repoConflict("scheduled_job", job.ID)
	}
	cp := *job
	cp.CreatedAt = timeOrNow(job.CreatedAt)
	cp.UpdatedAt = timeOrNow(job.UpdatedAt)
	r.jobs[job.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, repoNotFound("scheduled_job", id)
	}
	cp := *job
	return &cp, nil
}

func (r *MemoryRepository) ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*ScheduledJob
	for _, job := range r.jobs {
		if filter.Enabled != nil && job.Enabled != *filter.Enabled {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return repoNotFound("scheduled_job", id)
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		job.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		job.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		job.LastRunStatus = update.LastRunStatus
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *MemoryRepository) DeleteScheduledJob(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return repoNotFound("scheduled_job", id)
	}
	delete(r.jobs, id)
	return nil
}

func (r *MemoryRepository) Migrate(ctx context.Context) error { return nil }

func (r *MemoryRepository) Close() error { return nil }

var _ Repository = (*MemoryRepository)(nil)
