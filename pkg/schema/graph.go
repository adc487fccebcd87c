package schema

import "encoding/json"

// GraphPayload is the JSON-serializable node/edge submission format.
// Clients provide this to Engine.Submit.
type GraphPayload struct {
	Nodes    []NodeSpec     `json:"nodes"`
	Edges    []EdgeSpec     `json:"edges"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Timeout  string         `json:"timeout,omitempty"` // workflow-level timeout (e.g. "10m")
}

// NodeSpec is the wire representation of a node as submitted by clients.
// The type/nodeType fields map to a NodeKind via ResolveKind; position is
// carried for round-tripping but ignored by the engine.
type NodeSpec struct {
	ID       string       `json:"id"`
	Type     string       `json:"type,omitempty"`
	Position *Position    `json:"position,omitempty"`
	Data     NodeSpecData `json:"data"`
}

// NodeSpecData is the inner data bag of a submitted node.
type NodeSpecData struct {
	Label    string         `json:"label,omitempty"`
	NodeType string         `json:"nodeType,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Inputs   []string       `json:"inputs,omitempty"`
	Outputs  []string       `json:"outputs,omitempty"`
	Retry    *RetryPolicy   `json:"retry,omitempty"`
}

// Position is a client-side layout hint.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// EdgeSpec declares "target depends on source".
type EdgeSpec struct {
	Source string `json:"source"`
	Target string `json:"target"`
	// When gates the edge on the source node's result. "true"/"false"
	// match a condition node's boolean; anything else is evaluated as a
	// CEL expression against the workflow context.
	When string `json:"when,omitempty"`
}

// NodeKind enumerates the executable node kinds.
type NodeKind string

const (
	KindMaterial  NodeKind = "material"
	KindExecution NodeKind = "execution"
	KindCondition NodeKind = "condition"
	KindResult    NodeKind = "result"
	KindDefault   NodeKind = "default"
)

// kindAliases maps submitted type/nodeType strings to node kinds.
var kindAliases = map[string]NodeKind{
	"material":      KindMaterial,
	"materialNode":  KindMaterial,
	"input":         KindMaterial,
	"resource":      KindMaterial,
	"execution":     KindExecution,
	"executionNode": KindExecution,
	"task":          KindExecution,
	"llm":           KindExecution,
	"condition":     KindCondition,
	"conditionNode": KindCondition,
	"branch":        KindCondition,
	"result":        KindResult,
	"resultNode":    KindResult,
	"output":        KindResult,
	"export":        KindResult,
}

// ResolveKind maps a NodeSpec's type fields to a NodeKind.
// nodeType wins over type; unrecognized values fall back to KindDefault.
func ResolveKind(spec *NodeSpec) NodeKind {
	if k, ok := kindAliases[spec.Data.NodeType]; ok {
		return k
	}
	if k, ok := kindAliases[spec.Type]; ok {
		return k
	}
	return KindDefault
}

// Node is the validated, immutable node used by the engine.
type Node struct {
	ID     string         `json:"id"`
	Kind   NodeKind       `json:"kind"`
	Label  string         `json:"label,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Retry  *RetryPolicy   `json:"retry,omitempty"`
}

// RetryPolicy configures retry behavior for a node.
type RetryPolicy struct {
	Max      int    `json:"max"`               // max retry attempts
	Backoff  string `json:"backoff,omitempty"` // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`   // initial delay (e.g. "1s", "500ms")
	MaxDelay string `json:"max_delay,omitempty"`
}

// WorkflowView is the externally observable state of a workflow execution,
// returned by Engine.Status.
type WorkflowView struct {
	ID             string               `json:"id"`
	Status         WorkflowStatus       `json:"status"`
	StartedAt      *string              `json:"started_at,omitempty"`
	EndedAt        *string              `json:"ended_at,omitempty"`
	CurrentNode    string               `json:"current_node,omitempty"`
	CompletedNodes []string             `json:"completed_nodes"`
	FailedNodes    []string             `json:"failed_nodes"`
	Context        map[string]any       `json:"context,omitempty"`
	Nodes          map[string]*NodeView `json:"nodes,omitempty"`
	Error          string               `json:"error,omitempty"`
}

// NodeView is the externally observable state of a node execution.
type NodeView struct {
	NodeID     string          `json:"node_id"`
	Status     NodeStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}
