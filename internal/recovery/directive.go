package recovery

import (
	"strings"

	"github.com/nodelab/conduct/pkg/schema"
)

// directiveRecognizer extracts bracket-delimited directives such as
//
//	[append_text content="Hello" bold=true]
//
// The name resolves through the signature table and attributes use the same
// literal grammar as call expressions. A leading bare literal (no key=)
// binds to the first positional parameter.
type directiveRecognizer struct{}

func (r *directiveRecognizer) Name() string { return "bracketed-directive" }

func (r *directiveRecognizer) Recognize(text string) []schema.ToolCall {
	var calls []schema.ToolCall
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		end := matchBracket(text, i)
		if end < 0 {
			continue
		}
		body := text[i+1 : end]
		if call, ok := parseDirective(body); ok {
			calls = append(calls, call)
			i = end
		}
	}
	return calls
}

// matchBracket returns the index of the ']' closing the '[' at start, or -1.
// Directives do not nest and never span lines.
func matchBracket(text string, start int) int {
	var quote byte
	for i := start + 1; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			quote = c
		case ']':
			return i
		case '\n', '[':
			return -1
		}
	}
	return -1
}

func parseDirective(body string) (schema.ToolCall, bool) {
	fields := splitFields(body)
	if len(fields) == 0 {
		return schema.ToolCall{}, false
	}

	sig, ok := signatures[strings.ToLower(fields[0])]
	if !ok {
		return schema.ToolCall{}, false
	}

	params := make(map[string]any)
	positional := 0
	for _, field := range fields[1:] {
		if key, val, ok := splitKeyValue(field); ok {
			params[key] = parseLiteral(val)
			continue
		}
		if positional < len(sig.Positional) {
			params[sig.Positional[positional]] = parseLiteral(field)
			positional++
		}
	}

	return schema.ToolCall{Tool: sig.Tool, Action: sig.Action, Params: params}, true
}

// splitFields splits a directive body on whitespace outside quotes. A
// key="value with spaces" attribute stays a single field.
func splitFields(body string) []string {
	var fields []string
	var quote byte
	start := -1
	for i := 0; i < len(body); i++ {
		c := body[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch {
		case c == '"' || c == '\'':
			quote = c
			if start < 0 {
				start = i
			}
		case c == ' ' || c == '\t':
			if start >= 0 {
				fields = append(fields, body[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		fields = append(fields, body[start:])
	}
	return fields
}
