package recovery

import (
	"strings"

	"github.com/nodelab/conduct/pkg/schema"
)

// keywordRecognizer is the last-resort strategy: it scans for domain keyword
// combinations and synthesizes a best-guess call with default parameters.
// Every call it produces carries Heuristic=true so downstream consumers can
// treat it with lower confidence.
type keywordRecognizer struct {
	rules []KeywordRule
}

func (r *keywordRecognizer) Name() string { return "keyword-heuristic" }

func (r *keywordRecognizer) Recognize(text string) []schema.ToolCall {
	lower := strings.ToLower(text)
	for _, rule := range r.rules {
		if matchesAll(lower, rule.AllOf) {
			params := make(map[string]any, len(rule.Params))
			for k, v := range rule.Params {
				params[k] = v
			}
			return []schema.ToolCall{{
				Tool:      rule.Tool,
				Action:    rule.Action,
				Params:    params,
				Heuristic: true,
			}}
		}
	}
	return nil
}

func matchesAll(text string, keywords []string) bool {
	for _, kw := range keywords {
		if !strings.Contains(text, kw) {
			return false
		}
	}
	return len(keywords) > 0
}
