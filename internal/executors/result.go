package executors

import (
	"context"
	"fmt"
	"os"

	"github.com/nodelab/conduct/pkg/schema"
)

// resultRunner assembles the workflow's export descriptor: a human-readable
// summary plus machine-readable references to the produced resource. It does
// not write to any external sink.
type resultRunner struct{}

func (r *resultRunner) Kind() schema.NodeKind { return schema.KindResult }

func (r *resultRunner) Run(ctx context.Context, node *schema.Node, scope *Scope) (any, error) {
	descriptor := map[string]any{
		"workflow_id": scope.WorkflowID,
		"context":     scope.ContextMap(),
		"lineage":     scope.Resources.Lineage(),
		"ready":       true,
	}

	summary := fmt.Sprintf("workflow %s produced %d node results", scope.WorkflowID, len(scope.ContextMap()))
	if target, ok := scope.Resources.Target(); ok {
		descriptor["resource_path"] = target
		summary += fmt.Sprintf(", target resource %s", target)
		// Size is best effort; the resource may live on a remote executor.
		if info, err := os.Stat(target); err == nil {
			descriptor["resource_size"] = info.Size()
		}
	}

	if violations := scope.Resources.Violations(); len(violations) > 0 {
		descriptor["lineage_violations"] = len(violations)
	}
	descriptor["summary"] = summary

	return descriptor, nil
}
