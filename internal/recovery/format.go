package recovery

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nodelab/conduct/pkg/schema"
)

// fontSizePattern matches "size 14", "14pt", "font size: 14" and similar.
var fontSizePattern = regexp.MustCompile(`(?i)(?:font\s*size|size)[\s:]*([0-9]{1,3})|([0-9]{1,3})\s*pt\b`)

// applyFormatIntent scans the original task description (not the model
// output) for formatting intent and merges the findings as extra parameters
// onto append-style calls only. Parameters already present on a call are
// never overridden.
func (r *Recoverer) applyFormatIntent(calls []schema.ToolCall, taskText string) []schema.ToolCall {
	if taskText == "" {
		return calls
	}
	intent := extractFormatIntent(taskText, r.cfg.FormatRules)
	if len(intent) == 0 {
		return calls
	}

	for i := range calls {
		if !appendStyleActions[calls[i].Qualified()] {
			continue
		}
		if calls[i].Params == nil {
			calls[i].Params = make(map[string]any, len(intent))
		}
		for _, kv := range intent {
			if _, present := calls[i].Params[kv.param]; !present {
				calls[i].Params[kv.param] = kv.value
			}
		}
	}
	return calls
}

type intentParam struct {
	param string
	value any
}

// extractFormatIntent returns discovered format parameters in rule order,
// so repeated extraction over the same text is stable.
func extractFormatIntent(taskText string, rules []FormatRule) []intentParam {
	lower := strings.ToLower(taskText)
	var out []intentParam
	seen := make(map[string]bool)

	for _, rule := range rules {
		if seen[rule.Param] {
			continue
		}
		for _, m := range rule.Match {
			if strings.Contains(lower, m) {
				out = append(out, intentParam{param: rule.Param, value: rule.Value})
				seen[rule.Param] = true
				break
			}
		}
	}

	if !seen["size"] {
		if m := fontSizePattern.FindStringSubmatch(taskText); m != nil {
			digits := m[1]
			if digits == "" {
				digits = m[2]
			}
			if n, err := strconv.Atoi(digits); err == nil && n >= 6 && n <= 144 {
				out = append(out, intentParam{param: "size", value: float64(n)})
			}
		}
	}

	return out
}
