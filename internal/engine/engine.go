package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nodelab/conduct/internal/executors"
	"github.com/nodelab/conduct/internal/expressions"
	"github.com/nodelab/conduct/internal/graph"
	"github.com/nodelab/conduct/internal/logging"
	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/internal/state"
	"github.com/nodelab/conduct/pkg/schema"
)

// DefaultPoolSize bounds concurrent node execution when Config.PoolSize is unset.
const DefaultPoolSize = 8

// Config tunes engine behavior.
type Config struct {
	// PoolSize is the maximum number of nodes executing concurrently
	// across all workflows.
	PoolSize int
}

// Engine schedules and executes workflow graphs. Nodes run as soon as all
// their dependencies have completed; independent nodes run concurrently on
// a shared worker pool. Every state transition is validated by an FSM and
// persisted before the in-memory view moves on.
type Engine struct {
	repo    state.Repository
	runners *executors.Set
	cel     *expressions.CELEngine
	pool    *WorkerPool
	wfFSM   *WorkflowFSM
	nodeFSM *NodeFSM
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]*run
}

// New creates an engine backed by the given repository and runner set.
func New(repo state.Repository, runners *executors.Set, cfg Config, logger *slog.Logger) (*Engine, error) {
	if repo == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a repository")
	}
	if runners == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a runner set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Engine{
		repo:    repo,
		runners: runners,
		cel:     cel,
		pool:    NewWorkerPool(size),
		wfFSM:   NewWorkflowFSM(repo),
		nodeFSM: NewNodeFSM(repo),
		logger:  logger,
		running: make(map[string]*run),
	}, nil
}

// Close shuts down the worker pool after in-flight nodes finish.
func (e *Engine) Close() {
	e.pool.Shutdown()
}

// Result is the outcome of a single Run or Resume call.
type Result struct {
	WorkflowID     string                `json:"workflow_id"`
	Status         schema.WorkflowStatus `json:"status"`
	CompletedNodes []string              `json:"completed_nodes"`
	FailedNodes    []string              `json:"failed_nodes"`
	SkippedNodes   []string              `json:"skipped_nodes,omitempty"`
	Context        map[string]any        `json:"context,omitempty"`
	TargetResource string                `json:"target_resource,omitempty"`
	Duration       time.Duration         `json:"duration"`
	Err            *schema.ConductError  `json:"error,omitempty"`
}

// run is the in-memory execution state of one active workflow.
type run struct {
	workflowID string
	g          *graph.DependencyGraph
	scope      *executors.Scope
	cancel     context.CancelFunc

	pauseOnce sync.Once
	pauseCh   chan struct{}

	mu          sync.Mutex
	completed   map[string]bool
	failed      map[string]bool
	skipped     map[string]bool
	records     map[string]*state.NodeRecord
	firstErr    *schema.ConductError
	cancelled   bool
	resetting   bool
	lineageBase int
}

func (r *run) requestPause() {
	r.pauseOnce.Do(func() { close(r.pauseCh) })
}

func (r *run) pauseRequested() bool {
	select {
	case <-r.pauseCh:
		return true
	default:
		return false
	}
}

func (r *run) settled(nodeID string) bool {
	return r.completed[nodeID] || r.failed[nodeID] || r.skipped[nodeID]
}

func (r *run) record(nodeID string) *state.NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[nodeID]
	if !ok {
		rec = &state.NodeRecord{WorkflowID: r.workflowID, NodeID: nodeID, Status: schema.NodeStatusPending}
		r.records[nodeID] = rec
	}
	return rec
}

func (r *run) setFirstErr(err *schema.ConductError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
	}
}

// Submit validates a graph payload and creates a pending workflow. The graph
// is fully validated (duplicate nodes, dangling edges, cycles) before any
// state is written; an invalid payload never leaves a record behind.
func (e *Engine) Submit(ctx context.Context, name string, payload *schema.GraphPayload, params map[string]any) (string, error) {
	g, err := graph.Build(payload)
	if err != nil {
		return "", err
	}
	if payload.Timeout != "" {
		if _, perr := time.ParseDuration(payload.Timeout); perr != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow timeout %q", payload.Timeout)
		}
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	wf := &state.WorkflowRecord{
		ID:        id,
		Name:      name,
		Payload:   *payload,
		Status:    schema.WorkflowStatusPending,
		Params:    params,
		CreatedAt: now,
	}
	if err := e.repo.CreateWorkflow(ctx, wf); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create workflow: %s", err.Error()).WithCause(err)
	}

	summary, _ := json.Marshal(map[string]any{"name": name, "nodes": len(g.Nodes), "edges": len(payload.Edges)})
	if err := e.repo.AppendEvent(ctx, &state.Event{
		WorkflowID: id,
		Type:       schema.EventWorkflowSubmitted,
		Payload:    summary,
	}); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "append submit event: %s", err.Error()).WithCause(err)
	}

	for _, nodeID := range g.Sorted {
		rec := &state.NodeRecord{WorkflowID: id, NodeID: nodeID, Status: schema.NodeStatusPending}
		if err := e.repo.UpsertNodeState(ctx, rec); err != nil {
			return "", schema.NewErrorf(schema.ErrCodeStore, "init node state: %s", err.Error()).WithCause(err)
		}
	}

	e.logger.InfoContext(ctx, "workflow submitted",
		slog.String("workflow_id", id),
		slog.String("name", name),
		slog.Int("nodes", len(g.Nodes)))
	return id, nil
}

// Run executes a pending workflow to a settled state: completed, failed,
// cancelled, timed out, or paused. It blocks until the workflow settles.
func (e *Engine) Run(ctx context.Context, workflowID string) (*Result, error) {
	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != schema.WorkflowStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is %s, only pending workflows can be run", workflowID, wf.Status)
	}
	g, err := graph.Build(&wf.Payload)
	if err != nil {
		return nil, err
	}

	if err := e.wfFSM.Transition(ctx, workflowID, schema.WorkflowStatusPending, schema.WorkflowStatusRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	wf.StartedAt = &now
	if err := e.persistWorkflowStatus(ctx, workflowID, schema.WorkflowStatusRunning, &state.WorkflowUpdate{StartedAt: &now}); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatusRunning

	return e.execute(ctx, wf, g)
}

// Resume continues a paused workflow. Completed node results are restored
// from the store, the target resource is re-pinned, and scheduling picks up
// where the pause left off.
func (e *Engine) Resume(ctx context.Context, workflowID string) (*Result, error) {
	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if e.activeRun(workflowID) != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is still executing", workflowID)
	}
	switch wf.Status {
	case schema.WorkflowStatusPaused:
		if err := e.wfFSM.Transition(ctx, workflowID, schema.WorkflowStatusPaused, schema.WorkflowStatusRunning); err != nil {
			return nil, err
		}
		if err := e.persistWorkflowStatus(ctx, workflowID, schema.WorkflowStatusRunning, nil); err != nil {
			return nil, err
		}
		wf.Status = schema.WorkflowStatusRunning
	case schema.WorkflowStatusRunning:
		// Status says running but no run is active in this process:
		// recovering after a crash. Pick up without a transition.
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is %s, only paused workflows can be resumed", workflowID, wf.Status)
	}

	g, err := graph.Build(&wf.Payload)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, wf, g)
}

// Pause requests that a running workflow stop scheduling new nodes. Nodes
// already in flight finish and their results are persisted; the workflow
// settles as paused once the current batch drains.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	r := e.activeRun(workflowID)
	if r == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is not running", workflowID)
	}
	r.requestPause()
	e.logger.InfoContext(ctx, "workflow pause requested", slog.String("workflow_id", workflowID))
	return nil
}

// Cancel stops a workflow. A running workflow has its execution context
// cancelled; a pending or paused workflow is moved to cancelled directly
// and its unfinished nodes are skipped.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	if r := e.activeRun(workflowID); r != nil {
		r.mu.Lock()
		r.cancelled = true
		r.mu.Unlock()
		r.cancel()
		return nil
	}

	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if wf.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already %s", workflowID, wf.Status)
	}
	if err := e.wfFSM.Transition(ctx, workflowID, wf.Status, schema.WorkflowStatusCancelled); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := e.persistWorkflowStatus(ctx, workflowID, schema.WorkflowStatusCancelled, &state.WorkflowUpdate{CompletedAt: &now}); err != nil {
		return err
	}
	e.skipUnfinishedNodes(ctx, workflowID)
	return nil
}

// Reset returns a running or paused workflow to pending, discarding all node
// state, results and the pinned target resource. The graph definition is kept
// so the workflow can be run again from scratch.
func (e *Engine) Reset(ctx context.Context, workflowID string) error {
	if r := e.activeRun(workflowID); r != nil {
		r.mu.Lock()
		r.resetting = true
		r.mu.Unlock()
		r.cancel()
		return nil
	}

	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	switch wf.Status {
	case schema.WorkflowStatusRunning, schema.WorkflowStatusPaused:
		return e.doReset(ctx, workflowID, wf.Status)
	default:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"workflow %s is %s, only running or paused workflows can be reset", workflowID, wf.Status)
	}
}

func (e *Engine) doReset(ctx context.Context, workflowID string, from schema.WorkflowStatus) error {
	if err := e.wfFSM.Transition(ctx, workflowID, from, schema.WorkflowStatusPending); err != nil {
		return err
	}
	if err := e.repo.ResetNodeStates(ctx, workflowID); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "reset node states: %s", err.Error()).WithCause(err)
	}
	status := schema.WorkflowStatusPending
	if err := e.repo.UpdateWorkflow(ctx, workflowID, state.WorkflowUpdate{Status: &status, ClearOutcome: true}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "reset workflow: %s", err.Error()).WithCause(err)
	}
	e.logger.InfoContext(ctx, "workflow reset", slog.String("workflow_id", workflowID))
	return nil
}

// Status reports the externally observable state of a workflow.
func (e *Engine) Status(ctx context.Context, workflowID string) (*schema.WorkflowView, error) {
	wf, err := e.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	recs, err := e.repo.ListNodeStates(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	view := &schema.WorkflowView{
		ID:             wf.ID,
		Status:         wf.Status,
		CompletedNodes: []string{},
		FailedNodes:    []string{},
		Nodes:          make(map[string]*schema.NodeView, len(recs)),
	}
	if wf.StartedAt != nil {
		s := wf.StartedAt.UTC().Format(time.RFC3339)
		view.StartedAt = &s
	}
	if wf.CompletedAt != nil {
		s := wf.CompletedAt.UTC().Format(time.RFC3339)
		view.EndedAt = &s
	}
	if len(wf.Results) > 0 {
		_ = json.Unmarshal(wf.Results, &view.Context)
	}
	if len(wf.Error) > 0 {
		var ce schema.ConductError
		if json.Unmarshal(wf.Error, &ce) == nil && ce.Message != "" {
			view.Error = ce.Message
		} else {
			view.Error = string(wf.Error)
		}
	}
	for _, rec := range recs {
		nv := &schema.NodeView{
			NodeID:     rec.NodeID,
			Status:     rec.Status,
			Result:     rec.Output,
			RetryCount: rec.Attempts,
			DurationMs: rec.DurationMs,
		}
		if len(rec.Error) > 0 {
			var ce schema.ConductError
			if json.Unmarshal(rec.Error, &ce) == nil && ce.Message != "" {
				nv.Error = ce.Message
			} else {
				nv.Error = string(rec.Error)
			}
		}
		view.Nodes[rec.NodeID] = nv
		switch rec.Status {
		case schema.NodeStatusCompleted:
			view.CompletedNodes = append(view.CompletedNodes, rec.NodeID)
		case schema.NodeStatusFailed:
			view.FailedNodes = append(view.FailedNodes, rec.NodeID)
		case schema.NodeStatusRunning:
			if view.CurrentNode == "" {
				view.CurrentNode = rec.NodeID
			}
		}
	}
	return view, nil
}

func (e *Engine) activeRun(workflowID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[workflowID]
}

// execute drives a workflow to a settled state. wf.Status must already be
// running and persisted.
func (e *Engine) execute(ctx context.Context, wf *state.WorkflowRecord, g *graph.DependencyGraph) (*Result, error) {
	ctx = logging.WithWorkflowID(ctx, wf.ID)
	started := time.Now()

	r := &run{
		workflowID: wf.ID,
		g:          g,
		scope:      executors.NewScope(wf.ID, wf.Params),
		pauseCh:    make(chan struct{}),
		completed:  make(map[string]bool),
		failed:     make(map[string]bool),
		skipped:    make(map[string]bool),
		records:    make(map[string]*state.NodeRecord),
	}
	if err := e.restore(ctx, wf, r); err != nil {
		return nil, err
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if wf.Payload.Timeout != "" {
		d, _ := time.ParseDuration(wf.Payload.Timeout)
		deadline := time.Now().Add(d)
		if wf.StartedAt != nil {
			deadline = wf.StartedAt.Add(d)
		}
		execCtx, cancel = context.WithDeadline(ctx, deadline)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	r.cancel = cancel

	e.mu.Lock()
	if _, dup := e.running[wf.ID]; dup {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is already executing", wf.ID)
	}
	e.running[wf.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, wf.ID)
		e.mu.Unlock()
	}()

	e.logger.InfoContext(ctx, "workflow execution started",
		slog.String("workflow_id", wf.ID),
		slog.Int("nodes", len(g.Nodes)))

	e.schedule(execCtx, r)

	return e.finalize(ctx, execCtx, wf, r, started)
}

// restore rebuilds in-memory run state from persisted node records, so a
// resumed workflow does not re-execute settled nodes.
func (e *Engine) restore(ctx context.Context, wf *state.WorkflowRecord, r *run) error {
	recs, err := e.repo.ListNodeStates(ctx, wf.ID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		cp := *rec
		// A node caught mid-flight by a crash or pause is rescheduled.
		if cp.Status == schema.NodeStatusRunning || cp.Status == schema.NodeStatusRetrying {
			cp.Status = schema.NodeStatusPending
		}
		r.records[rec.NodeID] = &cp
		switch cp.Status {
		case schema.NodeStatusCompleted:
			r.completed[rec.NodeID] = true
			if len(rec.Output) > 0 {
				var v any
				if json.Unmarshal(rec.Output, &v) == nil {
					r.scope.SetResult(rec.NodeID, v)
				}
			}
		case schema.NodeStatusFailed:
			r.failed[rec.NodeID] = true
		case schema.NodeStatusSkipped:
			r.skipped[rec.NodeID] = true
		}
	}
	if wf.TargetResource != "" {
		r.scope.Resources.SetTarget(wf.TargetResource)
	}
	lineage, err := e.repo.GetLineage(ctx, wf.ID)
	if err != nil {
		return err
	}
	r.lineageBase = len(lineage)
	return nil
}

// schedule runs the ready-set loop: repeatedly collect nodes whose
// dependencies are all completed, evaluate their edge guards, and execute
// the runnable ones concurrently. The loop exits when the ready set is
// empty, the context is done, or a pause was requested.
func (e *Engine) schedule(ctx context.Context, r *run) {
	for {
		if ctx.Err() != nil || r.pauseRequested() {
			return
		}
		e.propagateDependencyFailures(ctx, r)

		r.mu.Lock()
		completed := copySet(r.completed)
		excluded := make(map[string]bool, len(r.failed)+len(r.skipped))
		for id := range r.failed {
			excluded[id] = true
		}
		for id := range r.skipped {
			excluded[id] = true
		}
		r.mu.Unlock()

		ready := r.g.ReadySet(completed, excluded)
		if len(ready) == 0 {
			return
		}

		var runnable []string
		for _, nodeID := range ready {
			pass, err := e.guardsPass(ctx, r, nodeID)
			if err != nil {
				e.failNode(ctx, r, nodeID, schema.AsConductError(err))
				continue
			}
			if !pass {
				e.skipNode(ctx, r, nodeID)
				continue
			}
			runnable = append(runnable, nodeID)
		}
		if len(runnable) == 0 {
			continue
		}

		var wg sync.WaitGroup
		for _, nodeID := range runnable {
			node := r.g.Nodes[nodeID]
			wg.Add(1)
			err := e.pool.Submit(ctx, func(taskCtx context.Context) error {
				defer wg.Done()
				e.runNode(taskCtx, r, node)
				return nil
			})
			if err != nil {
				wg.Done()
				e.failNode(ctx, r, nodeID,
					schema.NewErrorf(schema.ErrCodeExecution, "schedule node: %s", err.Error()).WithNode(nodeID).WithCause(err))
			}
		}
		wg.Wait()
	}
}

// propagateDependencyFailures fails every unsettled node that can no longer
// run because a dependency failed. These nodes are never scheduled; they go
// straight from pending to failed.
func (e *Engine) propagateDependencyFailures(ctx context.Context, r *run) {
	r.mu.Lock()
	var doomed []string
	for nodeID := range r.g.Nodes {
		if r.settled(nodeID) {
			continue
		}
		for _, dep := range r.g.Deps[nodeID] {
			if r.failed[dep.Source] {
				doomed = append(doomed, nodeID)
				break
			}
		}
	}
	r.mu.Unlock()

	for _, nodeID := range doomed {
		e.failNode(ctx, r, nodeID,
			schema.NewErrorf(schema.ErrCodeDependencyFailed, "dependency of node %s failed", nodeID).WithNode(nodeID))
	}
}

// guardsPass evaluates every guarded incoming edge of a node. All guards
// must pass for the node to run; "true"/"false" match a boolean result of
// the source node, anything else is a CEL expression over the workflow
// context.
func (e *Engine) guardsPass(ctx context.Context, r *run, nodeID string) (bool, error) {
	for _, dep := range r.g.Deps[nodeID] {
		if dep.When == "" {
			continue
		}
		switch dep.When {
		case "true", "false":
			result, ok := r.scope.Result(dep.Source)
			b, isBool := conditionOutcome(result)
			if !ok || !isBool {
				return false, nil
			}
			if b != (dep.When == "true") {
				return false, nil
			}
		default:
			env := map[string]any{
				"nodes":    r.scope.Results(),
				"inputs":   r.scope.Inputs,
				"workflow": map[string]any{"id": r.workflowID},
			}
			pass, err := e.cel.EvaluateBool(ctx, dep.When, env)
			if err != nil {
				return false, schema.NewErrorf(schema.ErrCodeValidation,
					"edge guard %s -> %s: %s", dep.Source, nodeID, err.Error()).WithNode(nodeID).WithCause(err)
			}
			if !pass {
				return false, nil
			}
		}
	}
	return true, nil
}

// conditionOutcome extracts the boolean verdict from a condition node's
// result, which is either a bare bool or a map carrying a "result" key.
func conditionOutcome(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case map[string]any:
		if b, ok := t["result"].(bool); ok {
			return b, true
		}
	}
	return false, false
}

// runNode executes one node through its FSM lifecycle, retrying per the
// node's retry policy on retryable errors.
func (e *Engine) runNode(ctx context.Context, r *run, node *schema.Node) {
	ctx = logging.WithNodeID(ctx, node.ID)
	rec := r.record(node.ID)

	if err := e.nodeFSM.Transition(ctx, r.workflowID, node.ID, schema.NodeStatusPending, schema.NodeStatusRunning); err != nil {
		e.failNode(ctx, r, node.ID, schema.AsConductError(err))
		return
	}
	now := time.Now().UTC()
	rec.Status = schema.NodeStatusRunning
	rec.StartedAt = &now
	rec.Attempts = 1
	e.persistNode(ctx, rec)

	e.logger.InfoContext(ctx, "node started",
		slog.String("node_id", node.ID),
		slog.String("kind", string(node.Kind)))

	runner := e.runners.For(node.Kind)
	maxRetries := 0
	if node.Retry != nil {
		maxRetries = node.Retry.Max
	}

	var result any
	var runErr error
	for attempt := 0; ; attempt++ {
		result, runErr = runner.Run(ctx, node, r.scope)
		if runErr == nil || attempt >= maxRetries || !IsRetryableError(runErr) || ctx.Err() != nil {
			break
		}

		if err := e.nodeFSM.Transition(ctx, r.workflowID, node.ID, schema.NodeStatusRunning, schema.NodeStatusRetrying); err != nil {
			break
		}
		rec.Status = schema.NodeStatusRetrying
		e.persistNode(ctx, rec)

		delay := ComputeBackoff(node.Retry, attempt)
		e.logger.WarnContext(ctx, "node retrying",
			slog.String("node_id", node.ID),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", runErr.Error()))
		if err := WaitForBackoff(ctx, delay); err != nil {
			break
		}

		if err := e.nodeFSM.Transition(ctx, r.workflowID, node.ID, schema.NodeStatusRetrying, schema.NodeStatusRunning); err != nil {
			break
		}
		rec.Status = schema.NodeStatusRunning
		rec.Attempts++
		e.persistNode(ctx, rec)
	}

	done := time.Now().UTC()
	rec.CompletedAt = &done
	if rec.StartedAt != nil {
		rec.DurationMs = done.Sub(*rec.StartedAt).Milliseconds()
	}

	if runErr != nil {
		ce := schema.AsConductError(runErr)
		if node.Retry != nil && node.Retry.Max > 0 && IsRetryableError(runErr) && ctx.Err() == nil {
			ce = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"node %s failed after %d attempts: %s", node.ID, rec.Attempts, ce.Message).
				WithNode(node.ID).WithCause(runErr)
		}
		// A runner may return a partial result alongside its error; keep it.
		if result != nil {
			if out, merr := json.Marshal(result); merr == nil {
				rec.Output = out
			}
		}
		if err := e.nodeFSM.Transition(ctx, r.workflowID, node.ID, rec.Status, schema.NodeStatusFailed); err != nil {
			e.logger.ErrorContext(ctx, "node failure transition rejected",
				slog.String("node_id", node.ID), slog.String("error", err.Error()))
		}
		rec.Status = schema.NodeStatusFailed
		rec.Error = marshalError(ce)
		e.persistNode(ctx, rec)

		r.mu.Lock()
		r.failed[node.ID] = true
		r.mu.Unlock()
		r.setFirstErr(ce)

		e.logger.ErrorContext(ctx, "node failed",
			slog.String("node_id", node.ID),
			slog.String("error", ce.Message),
			slog.Int("attempts", rec.Attempts))
		return
	}

	r.scope.SetResult(node.ID, result)
	if out, merr := json.Marshal(result); merr == nil {
		rec.Output = out
	}
	if err := e.nodeFSM.Transition(ctx, r.workflowID, node.ID, schema.NodeStatusRunning, schema.NodeStatusCompleted); err != nil {
		e.logger.ErrorContext(ctx, "node completion transition rejected",
			slog.String("node_id", node.ID), slog.String("error", err.Error()))
	}
	rec.Status = schema.NodeStatusCompleted
	e.persistNode(ctx, rec)

	r.mu.Lock()
	r.completed[node.ID] = true
	r.mu.Unlock()

	e.logger.InfoContext(ctx, "node completed",
		slog.String("node_id", node.ID),
		slog.Int64("duration_ms", rec.DurationMs))
}

// failNode marks an unstarted node failed without scheduling it.
func (e *Engine) failNode(ctx context.Context, r *run, nodeID string, ce *schema.ConductError) {
	r.mu.Lock()
	if r.settled(nodeID) {
		r.mu.Unlock()
		return
	}
	r.failed[nodeID] = true
	r.mu.Unlock()
	r.setFirstErr(ce)

	if err := e.nodeFSM.Transition(ctx, r.workflowID, nodeID, schema.NodeStatusPending, schema.NodeStatusFailed); err != nil {
		e.logger.ErrorContext(ctx, "node failure transition rejected",
			slog.String("node_id", nodeID), slog.String("error", err.Error()))
	}
	rec := r.record(nodeID)
	rec.Status = schema.NodeStatusFailed
	rec.Error = marshalError(ce)
	e.persistNode(ctx, rec)
}

// skipNode settles a node whose edge guards did not pass.
func (e *Engine) skipNode(ctx context.Context, r *run, nodeID string) {
	r.mu.Lock()
	if r.settled(nodeID) {
		r.mu.Unlock()
		return
	}
	r.skipped[nodeID] = true
	r.mu.Unlock()

	if err := e.nodeFSM.Transition(ctx, r.workflowID, nodeID, schema.NodeStatusPending, schema.NodeStatusSkipped); err != nil {
		e.logger.ErrorContext(ctx, "node skip transition rejected",
			slog.String("node_id", nodeID), slog.String("error", err.Error()))
	}
	rec := r.record(nodeID)
	rec.Status = schema.NodeStatusSkipped
	e.persistNode(ctx, rec)

	e.logger.InfoContext(ctx, "node skipped", slog.String("node_id", nodeID))
}

// finalize settles the workflow record after the scheduling loop exits and
// builds the Result.
func (e *Engine) finalize(ctx context.Context, execCtx context.Context, wf *state.WorkflowRecord, r *run, started time.Time) (*Result, error) {
	r.mu.Lock()
	resetting := r.resetting
	cancelled := r.cancelled
	firstErr := r.firstErr
	anyFailed := len(r.failed) > 0
	r.mu.Unlock()
	paused := r.pauseRequested() && execCtx.Err() == nil

	e.persistLineage(ctx, wf, r)

	if resetting {
		if err := e.doReset(ctx, wf.ID, schema.WorkflowStatusRunning); err != nil {
			return nil, err
		}
		return e.buildResult(wf, r, schema.WorkflowStatusPending, nil, started), nil
	}

	var status schema.WorkflowStatus
	var wfErr *schema.ConductError
	switch {
	case paused:
		status = schema.WorkflowStatusPaused
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		status = schema.WorkflowStatusTimedOut
		wfErr = schema.NewErrorf(schema.ErrCodeTimeout, "workflow exceeded timeout %s", wf.Payload.Timeout)
	case execCtx.Err() != nil && cancelled:
		status = schema.WorkflowStatusCancelled
		wfErr = schema.NewError(schema.ErrCodeCancelled, "workflow cancelled")
	case execCtx.Err() != nil:
		// Caller context ended; treat as cancellation.
		status = schema.WorkflowStatusCancelled
		wfErr = schema.NewError(schema.ErrCodeCancelled, "execution context cancelled")
	case anyFailed:
		status = schema.WorkflowStatusFailed
		wfErr = firstErr
		if wfErr == nil {
			wfErr = schema.NewError(schema.ErrCodeNodeFailed, "one or more nodes failed")
		}
	default:
		status = schema.WorkflowStatusCompleted
		e.skipRemaining(ctx, r)
	}

	if err := e.wfFSM.Transition(ctx, wf.ID, schema.WorkflowStatusRunning, status); err != nil {
		return nil, err
	}

	update := &state.WorkflowUpdate{}
	if ctxMap := r.scope.ContextMap(); len(ctxMap) > 0 {
		if raw, err := json.Marshal(ctxMap); err == nil {
			update.Results = raw
		}
	}
	if wfErr != nil {
		update.Error = marshalError(wfErr)
	}
	if target, ok := r.scope.Resources.Target(); ok && target != wf.TargetResource {
		update.TargetResource = &target
	}
	if status.Terminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
		if status == schema.WorkflowStatusCancelled || status == schema.WorkflowStatusTimedOut {
			e.skipRemaining(ctx, r)
		}
	}
	if err := e.persistWorkflowStatus(ctx, wf.ID, status, update); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow settled",
		slog.String("workflow_id", wf.ID),
		slog.String("status", string(status)),
		slog.Duration("duration", time.Since(started)))

	return e.buildResult(wf, r, status, wfErr, started), nil
}

// skipRemaining settles any node the loop never reached, such as the
// descendants of a skipped branch.
func (e *Engine) skipRemaining(ctx context.Context, r *run) {
	r.mu.Lock()
	var remaining []string
	for nodeID := range r.g.Nodes {
		if !r.settled(nodeID) {
			remaining = append(remaining, nodeID)
		}
	}
	r.mu.Unlock()
	for _, nodeID := range remaining {
		e.skipNode(ctx, r, nodeID)
	}
}

// persistLineage appends lineage entries recorded since the run (or resume)
// began, and mirrors them into the event log.
func (e *Engine) persistLineage(ctx context.Context, wf *state.WorkflowRecord, r *run) {
	entries := r.scope.Resources.Lineage()
	if len(entries) <= r.lineageBase {
		return
	}
	for _, entry := range entries[r.lineageBase:] {
		rec := &state.LineageRecord{
			WorkflowID:   wf.ID,
			Action:       entry.Action,
			SourceNode:   entry.SourceNode,
			ResourcePath: entry.ResourcePath,
			Violation:    entry.Violation,
			Success:      entry.Success,
			Timestamp:    entry.Timestamp,
		}
		if err := e.repo.AppendLineage(ctx, rec); err != nil {
			e.logger.ErrorContext(ctx, "persist lineage entry",
				slog.String("action", entry.Action), slog.String("error", err.Error()))
			continue
		}
		if entry.Violation {
			e.appendLineageEvent(ctx, wf.ID, entry, schema.EventLineageViolation)
		}
	}
	if target, ok := r.scope.Resources.Target(); ok && target != wf.TargetResource {
		payload, _ := json.Marshal(map[string]any{"resource_path": target})
		if err := e.repo.AppendEvent(ctx, &state.Event{
			WorkflowID: wf.ID,
			Type:       schema.EventTargetResourceSet,
			Payload:    payload,
		}); err != nil {
			e.logger.ErrorContext(ctx, "persist target resource event", slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) appendLineageEvent(ctx context.Context, workflowID string, entry router.LineageEntry, eventType string) {
	payload, _ := json.Marshal(entry)
	if err := e.repo.AppendEvent(ctx, &state.Event{
		WorkflowID: workflowID,
		NodeID:     entry.SourceNode,
		Type:       eventType,
		Payload:    payload,
	}); err != nil {
		e.logger.ErrorContext(ctx, "persist lineage event", slog.String("error", err.Error()))
	}
}

func (e *Engine) buildResult(wf *state.WorkflowRecord, r *run, status schema.WorkflowStatus, wfErr *schema.ConductError, started time.Time) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{
		WorkflowID:     wf.ID,
		Status:         status,
		CompletedNodes: sortedKeys(r.completed),
		FailedNodes:    sortedKeys(r.failed),
		SkippedNodes:   sortedKeys(r.skipped),
		Context:        r.scope.ContextMap(),
		Duration:       time.Since(started),
		Err:            wfErr,
	}
	if target, ok := r.scope.Resources.Target(); ok {
		res.TargetResource = target
	}
	return res
}

// skipUnfinishedNodes settles pending nodes of a workflow cancelled outside
// an active run.
func (e *Engine) skipUnfinishedNodes(ctx context.Context, workflowID string) {
	recs, err := e.repo.ListNodeStates(ctx, workflowID)
	if err != nil {
		e.logger.ErrorContext(ctx, "list node states", slog.String("error", err.Error()))
		return
	}
	for _, rec := range recs {
		if rec.Status != schema.NodeStatusPending {
			continue
		}
		if err := e.nodeFSM.Transition(ctx, workflowID, rec.NodeID, schema.NodeStatusPending, schema.NodeStatusSkipped); err != nil {
			continue
		}
		rec.Status = schema.NodeStatusSkipped
		if err := e.repo.UpsertNodeState(ctx, rec); err != nil {
			e.logger.ErrorContext(ctx, "persist skipped node",
				slog.String("node_id", rec.NodeID), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) persistWorkflowStatus(ctx context.Context, workflowID string, status schema.WorkflowStatus, update *state.WorkflowUpdate) error {
	if update == nil {
		update = &state.WorkflowUpdate{}
	}
	update.Status = &status
	if err := e.repo.UpdateWorkflow(ctx, workflowID, *update); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist workflow status: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (e *Engine) persistNode(ctx context.Context, rec *state.NodeRecord) {
	if err := e.repo.UpsertNodeState(ctx, rec); err != nil {
		e.logger.ErrorContext(ctx, "persist node state",
			slog.String("node_id", rec.NodeID),
			slog.String("error", err.Error()))
	}
}

func marshalError(ce *schema.ConductError) json.RawMessage {
	raw, err := json.Marshal(ce)
	if err != nil {
		return json.RawMessage(`{"code":"EXECUTION_ERROR","message":"unserializable error"}`)
	}
	return raw
}

func copySet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k := range s {
		out[k] = true
	}
	return out
}

func sortedKeys(s map[string]bool) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sortStrings(out)
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
