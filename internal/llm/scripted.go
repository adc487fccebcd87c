package llm

import (
	"context"
	"sync"

	"github.com/nodelab/conduct/pkg/schema"
)

// ScriptedClient is a ModelClient backed by a fixed list of responses,
// returned in order. It records every prompt it receives. Used in tests and
// dry runs.
type ScriptedClient struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	guard     bool
}

// NewScriptedClient creates a scripted client. When guard is true, each
// response passes through GuardResponse before being returned, matching the
// behavior of the real client.
func NewScriptedClient(guard bool, responses ...string) *ScriptedClient {
	return &ScriptedClient{responses: responses, guard: guard}
}

// Ask pops the next scripted response. Running out of responses is a
// MODEL_ERROR, which surfaces test scripts that are shorter than the
// workflow they drive.
func (c *ScriptedClient) Ask(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", schema.NewError(schema.ErrCodeCancelled, "model call cancelled").WithCause(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prompts = append(c.prompts, prompt)
	if len(c.responses) == 0 {
		return "", schema.NewError(schema.ErrCodeModelCall, "scripted client exhausted")
	}
	next := c.responses[0]
	c.responses = c.responses[1:]

	if c.guard {
		if err := GuardResponse(next); err != nil {
			return "", err
		}
	}
	return next, nil
}

// Prompts returns a copy of the prompts received so far.
func (c *ScriptedClient) Prompts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.prompts))
	copy(out, c.prompts)
	return out
}

var _ ModelClient = (*ScriptedClient)(nil)
