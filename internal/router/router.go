// Package router validates canonical tool calls against per-action
// parameter contracts, normalizes resource paths, enforces the one-target-
// resource-per-workflow invariant, and dispatches to registered executors.
package router

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nodelab/conduct/pkg/schema"
)

// resourceParams are parameter names treated as resource locators, probed
// in order.
var resourceParams = []string{"path", "file", "filename", "output_path"}

// canonicalExt maps a tool namespace to the extension enforced on its
// resource paths.
var canonicalExt = map[string]string{
	"document":    ".docx",
	"spreadsheet": ".xlsx",
	"image":       ".png",
}

// Config holds router configuration.
type Config struct {
	DefaultDir string // directory bare resource names resolve against
}

// Router routes canonical tool calls to executors.
type Router struct {
	registry  *Registry
	contracts *contracts
	cfg       Config
	logger    *slog.Logger
}

// New creates a Router over the given registry.
func New(registry *Registry, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		contracts: newContracts(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Route validates, normalizes, and dispatches one canonical call on behalf
// of sourceNode. A lineage entry is appended regardless of outcome. Routing
// failures (unknown tool, missing parameters) are returned as both an error
// and an error-status result; the executor is never invoked for them.
func (r *Router) Route(ctx context.Context, call schema.ToolCall, rctx *ResourceContext, sourceNode string) (schema.ExecResult, error) {
	exec, err := r.registry.Get(call.Tool, call.Action)
	if err != nil {
		rctx.Record(LineageEntry{Action: call.Qualified(), SourceNode: sourceNode, Success: false})
		return schema.ExecResult{Success: false, Error: err.Error()}, err
	}

	if err := r.contracts.validate(call); err != nil {
		rctx.Record(LineageEntry{Action: call.Qualified(), SourceNode: sourceNode, Success: false})
		return schema.ExecResult{Success: false, Error: err.Error()}, err
	}

	// Resource-path normalization plus the consistency rewrite. The call's
	// params map is copied before mutation so recovery output stays pristine.
	call = r.normalizeResource(call)
	path, hasPath := callResourcePath(call)
	rewritten := false

	if hasPath {
		if target, ok := rctx.Target(); ok && path != target {
			// Conservative: never operate on an unintended resource, but do
			// not abort the node over an LLM phrasing slip either. Rewrite to
			// the agreed target and record the violation.
			rctx.Record(LineageEntry{
				Action:       call.Qualified(),
				SourceNode:   sourceNode,
				ResourcePath: path,
				Violation:    true,
				Success:      false,
			})
			r.logger.WarnContext(ctx, "lineage violation: call rewritten to workflow target",
				slog.String("action", call.Qualified()),
				slog.String("declared", path),
				slog.String("target", target),
			)
			params := make(map[string]any, len(call.Params))
			for k, v := range call.Params {
				params[k] = v
			}
			call.Params = params
			setResourcePath(call, target)
			path = target
			rewritten = true
		}
	}

	out, invokeErr := exec.Invoke(ctx, call.Params)

	result := schema.ExecResult{ResourcePath: path, Rewritten: rewritten}
	switch {
	case invokeErr != nil:
		result.Success = false
		result.Error = invokeErr.Error()
	case out == nil:
		result.Success = true
	default:
		result.Success = out.Success
		result.Output = out.Output
		result.Error = out.Error
	}

	// First successful open/create pins the workflow target.
	if result.Success && hasPath && isAcquireAction(call.Action) {
		if rctx.SetTarget(path) {
			r.logger.InfoContext(ctx, "workflow target resource set",
				slog.String("path", path), slog.String("node", sourceNode))
		}
	}

	rctx.Record(LineageEntry{
		Action:       call.Qualified(),
		SourceNode:   sourceNode,
		ResourcePath: path,
		Success:      result.Success,
	})

	if invokeErr != nil {
		return result, schema.NewErrorf(schema.ErrCodeExecution, "%s: %s", call.Qualified(), invokeErr.Error()).WithCause(invokeErr)
	}
	return result, nil
}

// normalizeResource resolves the call's resource locator against the default
// directory and enforces the tool's canonical extension. Returns a call with
// a copied params map when a rewrite happened.
func (r *Router) normalizeResource(call schema.ToolCall) schema.ToolCall {
	name, raw, ok := rawResourceParam(call)
	if !ok {
		return call
	}

	normalized := raw
	if ext := canonicalExt[call.Tool]; ext != "" && filepath.Ext(normalized) == "" {
		normalized += ext
	}
	if r.cfg.DefaultDir != "" && !filepath.IsAbs(normalized) && !strings.ContainsRune(normalized, filepath.Separator) {
		normalized = filepath.Join(r.cfg.DefaultDir, normalized)
	}
	normalized = filepath.Clean(normalized)

	if normalized == raw {
		return call
	}

	params := make(map[string]any, len(call.Params))
	for k, v := range call.Params {
		params[k] = v
	}
	params[name] = normalized
	call.Params = params
	return call
}

func rawResourceParam(call schema.ToolCall) (string, string, bool) {
	for _, name := range resourceParams {
		if v, ok := call.Params[name]; ok {
			if s, ok := v.(string); ok && s != "" {
				return name, s, true
			}
		}
	}
	return "", "", false
}

func callResourcePath(call schema.ToolCall) (string, bool) {
	_, path, ok := rawResourceParam(call)
	return path, ok
}

func setResourcePath(call schema.ToolCall, path string) {
	for _, name := range resourceParams {
		if _, ok := call.Params[name]; ok {
			call.Params[name] = path
			return
		}
	}
}

func isAcquireAction(action string) bool {
	switch action {
	case "open_document", "create_document", "open_workbook", "create_workbook", "create_image":
		return true
	}
	return false
}
