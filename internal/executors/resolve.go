package executors

import (
	"context"
	"strings"

	"github.com/nodelab/conduct/internal/expressions"
	"github.com/nodelab/conduct/pkg/schema"
)

// resolver rewrites back-references of the form @nodeId.result (optionally
// followed by a jq-style path into the result, e.g. @fetch.result.items[0])
// into the referenced value from the scope.
type resolver struct {
	jq *expressions.GoJQEngine
}

// resolveParams returns a copy of params with every back-reference value
// replaced. Non-string values and plain strings pass through untouched.
// A reference to a node with no recorded result is an error; the graph
// guarantees dependencies completed first, so a miss means a bad reference.
func (r *resolver) resolveParams(ctx context.Context, params map[string]any, scope *Scope) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := r.resolveValue(ctx, v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

func (r *resolver) resolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, "@") {
			return val, nil
		}
		return r.resolveRef(ctx, val, scope)
	case map[string]any:
		return r.resolveParams(ctx, val, scope)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := r.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) resolveRef(ctx context.Context, ref string, scope *Scope) (any, error) {
	nodeID, rest, _ := strings.Cut(ref[1:], ".")
	if nodeID == "" {
		// A bare "@" is not a reference.
		return ref, nil
	}

	result, ok := scope.Result(nodeID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"back-reference %q points at node %q which has no result", ref, nodeID)
	}

	// "@node" and "@node.result" both mean the whole result.
	rest = strings.TrimPrefix(rest, "result")
	rest = strings.TrimPrefix(rest, ".")
	if rest == "" {
		return result, nil
	}

	// Remaining path is a jq sub-query into the result.
	out, err := r.jq.Query(ctx, "."+rest, result)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"back-reference %q: sub-query failed: %s", ref, err.Error()).WithCause(err)
	}
	return out, nil
}
