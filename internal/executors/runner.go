package executors

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nodelab/conduct/internal/expressions"
	"github.com/nodelab/conduct/internal/llm"
	"github.com/nodelab/conduct/internal/recovery"
	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/pkg/schema"
)

// Scope is the per-run view handed to every node runner. Node results are
// guarded by a mutex because sibling nodes in a layer run concurrently; the
// engine is the only writer of anything else.
type Scope struct {
	WorkflowID string
	Inputs     map[string]any
	Resources  *router.ResourceContext

	mu      sync.RWMutex
	results map[string]any
}

// NewScope creates a scope for one workflow run.
func NewScope(workflowID string, inputs map[string]any) *Scope {
	return &Scope{
		WorkflowID: workflowID,
		Inputs:     inputs,
		Resources:  router.NewResourceContext(),
		results:    make(map[string]any),
	}
}

// Result returns a prior node's result.
func (s *Scope) Result(nodeID string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.results[nodeID]
	return v, ok
}

// SetResult records a node's result. Called by the engine after the node's
// runner returns; runners never write another node's slot.
func (s *Scope) SetResult(nodeID string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[nodeID] = v
}

// ContextMap returns a copy of accumulated results keyed "{nodeId}.result",
// the externally observable workflow context shape.
func (s *Scope) ContextMap() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.results))
	for id, v := range s.results {
		out[id+".result"] = v
	}
	return out
}

// Results returns a copy of accumulated results keyed by bare node ID, the
// shape expression engines evaluate against.
func (s *Scope) Results() map[string]any {
	return s.snapshot()
}

// snapshot returns results keyed by bare node ID, for expression evaluation.
func (s *Scope) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.results))
	for id, v := range s.results {
		out[id] = v
	}
	return out
}

// Runner executes one node kind. Run returns the node result; on error the
// returned result may still carry partial output and is recorded by the
// engine alongside the failure.
type Runner interface {
	Kind() schema.NodeKind
	Run(ctx context.Context, node *schema.Node, scope *Scope) (any, error)
}

// Deps are the collaborators shared by the runner set.
type Deps struct {
	Model     llm.ModelClient
	Recoverer *recovery.Recoverer
	Router    *router.Router
	Expr      *expressions.ExprEngine
	JQ        *expressions.GoJQEngine
	Logger    *slog.Logger
}

// Set holds one runner per node kind.
type Set struct {
	byKind map[schema.NodeKind]Runner
	deflt  Runner
}

// NewSet wires the four node kinds plus the echo fallback.
func NewSet(deps Deps) *Set {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	resolver := &resolver{jq: deps.JQ}
	def := &defaultRunner{}

	s := &Set{
		byKind: map[schema.NodeKind]Runner{},
		deflt:  def,
	}
	for _, r := range []Runner{
		&materialRunner{},
		&executionRunner{deps: deps, resolver: resolver},
		&conditionRunner{expr: deps.Expr, resolver: resolver},
		&resultRunner{},
		def,
	} {
		s.byKind[r.Kind()] = r
	}
	return s
}

// For returns the runner for a node kind, falling back to the echo runner.
func (s *Set) For(kind schema.NodeKind) Runner {
	if r, ok := s.byKind[kind]; ok {
		return r
	}
	return s.deflt
}

// defaultRunner echoes the node label. Unrecognized kinds land here so a
// submitted graph with exotic node types still completes.
type defaultRunner struct{}

func (d *defaultRunner) Kind() schema.NodeKind { return schema.KindDefault }

func (d *defaultRunner) Run(ctx context.Context, node *schema.Node, scope *Scope) (any, error) {
	return map[string]any{"echo": node.Label}, nil
}
