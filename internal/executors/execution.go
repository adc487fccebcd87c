package executors

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nodelab/conduct/internal/llm"
	"github.com/nodelab/conduct/internal/logging"
	"github.com/nodelab/conduct/pkg/schema"
)

// executionRunner drives the model-call pipeline: resolve back-references,
// ask the model, recover tool calls from the raw text, and route each call
// in recovered order.
type executionRunner struct {
	deps     Deps
	resolver *resolver
}

func (e *executionRunner) Kind() schema.NodeKind { return schema.KindExecution }

// CallOutcome records the dispatch of one recovered tool call.
type CallOutcome struct {
	Call   schema.ToolCall   `json:"call"`
	Result schema.ExecResult `json:"result"`
}

func (e *executionRunner) Run(ctx context.Context, node *schema.Node, scope *Scope) (any, error) {
	params, err := e.resolver.resolveParams(ctx, node.Params, scope)
	if err != nil {
		return nil, err
	}

	task := taskText(node, params)
	prompt := buildPrompt(task, scope)

	ctx = logging.WithNodeID(ctx, node.ID)
	response, err := e.deps.Model.Ask(ctx, prompt)
	if err != nil {
		return nil, err
	}
	// Clients may guard their own responses; the runner guards regardless so
	// an empty or refused response fails the node for every ModelClient.
	if err := llm.GuardResponse(response); err != nil {
		return nil, schema.AsConductError(err).WithNode(node.ID)
	}

	calls := e.deps.Recoverer.Recover(response, task)
	e.deps.Logger.DebugContext(ctx, "recovered tool calls",
		"count", len(calls), "response_len", len(response))

	result := map[string]any{
		"response": response,
		"calls":    []CallOutcome{},
	}
	if len(calls) == 0 {
		// No tool calls in the response is valid output, not a failure.
		return result, nil
	}

	outcomes := make([]CallOutcome, 0, len(calls))
	var firstFailure string
	for _, call := range calls {
		res, routeErr := e.deps.Router.Route(ctx, call, scope.Resources, node.ID)
		if routeErr != nil && res.Error == "" {
			res.Error = routeErr.Error()
		}
		outcomes = append(outcomes, CallOutcome{Call: call, Result: res})
		if !res.Success && firstFailure == "" {
			firstFailure = fmt.Sprintf("%s: %s", call.Qualified(), res.Error)
		}
	}
	result["calls"] = outcomes

	// Partial success is recorded in the result but does not mask the failure.
	if firstFailure != "" {
		return result, schema.NewErrorf(schema.ErrCodeNodeFailed,
			"tool call failed: %s", firstFailure).WithNode(node.ID)
	}
	return result, nil
}

// taskText picks the node's task description from its parameters, falling
// back to the label.
func taskText(node *schema.Node, params map[string]any) string {
	for _, key := range []string{"task", "prompt", "description"} {
		if s, ok := params[key].(string); ok && s != "" {
			return s
		}
	}
	return node.Label
}

// buildPrompt combines the task with a short summary of prior node results
// so the model sees accumulated context.
func buildPrompt(task string, scope *Scope) string {
	var b strings.Builder
	b.WriteString(task)

	ctxMap := scope.ContextMap()
	if len(ctxMap) == 0 {
		return b.String()
	}

	keys := make([]string, 0, len(ctxMap))
	for key := range ctxMap {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	b.WriteString("\n\nContext from previous steps:\n")
	for _, key := range keys {
		summary := fmt.Sprintf("%v", ctxMap[key])
		if len(summary) > 200 {
			summary = summary[:200] + "..."
		}
		fmt.Fprintf(&b, "- %s: %s\n", key, summary)
	}
	return b.String()
}
