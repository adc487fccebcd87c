package recovery

import (
	"regexp"
	"strings"

	"github.com/nodelab/conduct/pkg/schema"
)

// contentPatterns extract the text to append from a task description, tried
// in order. The model frequently narrates an edit ("open x.docx and add a
// greeting") without emitting the corresponding calls; these patterns make
// that common omission correctable deterministically.
var contentPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:add|append|write|insert)\s+(?:the\s+)?(?:text|content|paragraph|line)?\s*["'“]([^"'”]+)["'”]`),
	regexp.MustCompile(`["'“]([^"'”]{2,})["'”]`),
	regexp.MustCompile(`(?i)(?:add|append|write|insert)\s+(?:the\s+)?(?:text|content|paragraph|line)\s+(.+?)(?:\.|$)`),
}

// completeOpenOnly appends a synthetic append-content call and a save call
// when the recovered sequence is a lone open/create with no following
// mutation or save, and the task text signals an edit intent.
func (r *Recoverer) completeOpenOnly(calls []schema.ToolCall, taskText string) []schema.ToolCall {
	if len(calls) != 1 || !openActions[calls[0].Qualified()] {
		return calls
	}
	if !hasEditIntent(taskText, r.cfg.EditIntentWords) {
		return calls
	}

	tool := calls[0].Tool
	content := extractContent(taskText)
	if content == "" {
		return calls
	}

	calls = append(calls, schema.ToolCall{
		Tool:      tool,
		Action:    "append_content",
		Params:    map[string]any{"content": content},
		Synthetic: true,
	})
	calls = append(calls, schema.ToolCall{
		Tool:      tool,
		Action:    "save",
		Params:    map[string]any{},
		Synthetic: true,
	})
	return calls
}

// ensureSaved appends a synthetic save when the sequence opened a resource
// and mutated it but never saved it. A sequence that already contains a save
// action passes through unchanged.
func (r *Recoverer) ensureSaved(calls []schema.ToolCall) []schema.ToolCall {
	var openTool string
	mutated := false
	for _, c := range calls {
		q := c.Qualified()
		switch {
		case saveActions[q]:
			return calls
		case openActions[q]:
			if openTool == "" {
				openTool = c.Tool
			}
		default:
			mutated = true
		}
	}
	if openTool == "" || !mutated {
		return calls
	}
	return append(calls, schema.ToolCall{
		Tool:      openTool,
		Action:    "save",
		Params:    map[string]any{},
		Synthetic: true,
	})
}

func hasEditIntent(taskText string, words []string) bool {
	lower := strings.ToLower(taskText)
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func extractContent(taskText string) string {
	for _, p := range contentPatterns {
		if m := p.FindStringSubmatch(taskText); m != nil {
			if c := strings.TrimSpace(m[1]); c != "" {
				return c
			}
		}
	}
	// Last resort: the task text itself is the content.
	return strings.TrimSpace(taskText)
}
