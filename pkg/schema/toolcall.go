package schema

// ToolCall is the canonical, fully-resolved call produced by the recovery
// layer and consumed by the router: a (tool, action) pair plus resolved
// parameters with no remaining back-references.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Heuristic bool           `json:"heuristic,omitempty"` // synthesized by the keyword recognizer
	Synthetic bool           `json:"synthetic,omitempty"` // appended by the smart-completion pass
}

// Qualified returns the "tool.action" lookup key.
func (c ToolCall) Qualified() string {
	return c.Tool + "." + c.Action
}

// ExecResult is the outcome of dispatching one tool call.
type ExecResult struct {
	Success      bool   `json:"success"`
	Output       any    `json:"output,omitempty"`
	Error        string `json:"error,omitempty"`
	ResourcePath string `json:"resource_path,omitempty"`
	Rewritten    bool   `json:"rewritten,omitempty"` // resource path was rewritten to the workflow target
}
