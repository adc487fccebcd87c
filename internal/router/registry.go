package router

import (
	"context"
	"sort"
	"sync"

	"github.com/nodelab/conduct/pkg/schema"
)

// Executor is an external tool endpoint registered for one (tool, action)
// pair. The router never inspects executor internals.
type Executor interface {
	Tool() string
	Action() string
	Description() string
	Invoke(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is what an executor reports back.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ExecutorInfo is a summary of a registered executor for listing.
type ExecutorInfo struct {
	Tool        string `json:"tool"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
}

// Registry is a thread-safe executor registry keyed by "tool.action".
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor. Returns error on duplicate (tool, action).
func (r *Registry) Register(exec Executor) error {
	if exec == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	if exec.Tool() == "" || exec.Action() == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor tool/action is empty")
	}
	key := exec.Tool() + "." + exec.Action()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor %q already registered", key)
	}
	r.executors[key] = exec
	return nil
}

// Get retrieves the executor for a (tool, action) pair.
func (r *Registry) Get(tool, action string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exec, ok := r.executors[tool+"."+action]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownTool, "no executor registered for %s.%s", tool, action)
	}
	return exec, nil
}

// Has checks whether a (tool, action) pair is registered.
func (r *Registry) Has(tool, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[tool+"."+action]
	return ok
}

// List returns info for all registered executors, sorted by key.
func (r *Registry) List() []ExecutorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ExecutorInfo, 0, len(r.executors))
	for _, e := range r.executors {
		infos = append(infos, ExecutorInfo{
			Tool:        e.Tool(),
			Action:      e.Action(),
			Description: e.Description(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Tool != infos[j].Tool {
			return infos[i].Tool < infos[j].Tool
		}
		return infos[i].Action < infos[j].Action
	})
	return infos
}

// Count returns the number of registered executors.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.executors)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc struct {
	ToolName   string
	ActionName string
	Desc       string
	Fn         func(ctx context.Context, params map[string]any) (*Result, error)
}

func (e *ExecutorFunc) Tool() string        { return e.ToolName }
func (e *ExecutorFunc) Action() string      { return e.ActionName }
func (e *ExecutorFunc) Description() string { return e.Desc }

func (e *ExecutorFunc) Invoke(ctx context.Context, params map[string]any) (*Result, error) {
	return e.Fn(ctx, params)
}
