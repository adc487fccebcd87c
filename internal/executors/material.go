package executors

import (
	"context"
	"time"

	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/pkg/schema"
)

// resourceKeys are the node parameter names a material node checks for a
// resource reference, in priority order.
var resourceKeys = []string{"path", "file", "filename", "resource", "input"}

// materialRunner handles resource-intake nodes. A present resource reference
// is promoted to the workflow's target resource; a node with no reference
// still completes so a later recovery pass can infer the target.
type materialRunner struct{}

func (m *materialRunner) Kind() schema.NodeKind { return schema.KindMaterial }

func (m *materialRunner) Run(ctx context.Context, node *schema.Node, scope *Scope) (any, error) {
	var refs []string
	for _, key := range resourceKeys {
		v, ok := node.Params[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				refs = append(refs, val)
			}
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok && s != "" {
					refs = append(refs, s)
				}
			}
		}
	}

	result := map[string]any{
		"resources": refs,
		"count":     len(refs),
	}
	if len(refs) == 0 {
		return result, nil
	}

	// First reference becomes the workflow target if none is set yet.
	target := refs[0]
	if scope.Resources.SetTarget(target) {
		scope.Resources.Record(router.LineageEntry{
			Action:       "material_intake",
			SourceNode:   node.ID,
			ResourcePath: target,
			Success:      true,
			Timestamp:    time.Now().UTC(),
		})
		result["target"] = target
	} else if current, ok := scope.Resources.Target(); ok {
		result["target"] = current
	}
	return result, nil
}
