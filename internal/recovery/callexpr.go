package recovery

import (
	"strconv"
	"strings"

	"github.com/nodelab/conduct/pkg/schema"
)

// callExprRecognizer extracts function-call-like expressions such as
//
//	create_document("report.docx")
//	set_cell("A1", 42, bold=true)
//
// Function names resolve through the static signature table; unknown names
// are ignored. Positional arguments bind to the signature's parameter order,
// key=value arguments bind by name.
type callExprRecognizer struct{}

func (r *callExprRecognizer) Name() string { return "call-expression" }

func (r *callExprRecognizer) Recognize(text string) []schema.ToolCall {
	var calls []schema.ToolCall
	i := 0
	for i < len(text) {
		start, name := nextIdentifier(text, i)
		if start < 0 {
			break
		}
		after := start + len(name)
		if after >= len(text) || text[after] != '(' {
			i = after
			continue
		}
		end := matchParen(text, after)
		if end < 0 {
			i = after + 1
			continue
		}
		sig, known := signatures[strings.ToLower(name)]
		if !known {
			i = end + 1
			continue
		}

		positional, keyword := parseArgs(text[after+1 : end])
		params := make(map[string]any, len(positional)+len(keyword))
		for idx, v := range positional {
			if idx < len(sig.Positional) {
				params[sig.Positional[idx]] = v
			}
		}
		for k, v := range keyword {
			params[k] = v
		}

		calls = append(calls, schema.ToolCall{Tool: sig.Tool, Action: sig.Action, Params: params})
		i = end + 1
	}
	return calls
}

// nextIdentifier finds the next identifier at or after from.
func nextIdentifier(text string, from int) (int, string) {
	for i := from; i < len(text); i++ {
		if !isIdentStart(text[i]) {
			continue
		}
		// Must begin a token: previous char cannot be part of an identifier
		// or a dot (skips method-ish references like obj.save()).
		if i > 0 && (isIdentChar(text[i-1]) || text[i-1] == '.') {
			for i < len(text) && isIdentChar(text[i]) {
				i++
			}
			i--
			continue
		}
		j := i
		for j < len(text) && isIdentChar(text[j]) {
			j++
		}
		return i, text[i:j]
	}
	return -1, ""
}

// matchParen returns the index of the ')' closing the '(' at start, or -1.
func matchParen(text string, start int) int {
	depth := 0
	var quote byte
	for i := start; i < len(text); i++ {
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
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		case '\n':
			// Calls never span lines in model output; bail on the open paren.
			return -1
		}
	}
	return -1
}

// parseArgs splits an argument list into positional literals and key=value
// keyword arguments, respecting quotes and nesting.
func parseArgs(args string) ([]any, map[string]any) {
	var positional []any
	keyword := make(map[string]any)

	for _, raw := range splitTopLevel(args, ',') {
		arg := strings.TrimSpace(raw)
		if arg == "" {
			continue
		}
		if key, val, ok := splitKeyValue(arg); ok {
			keyword[key] = parseLiteral(val)
			continue
		}
		positional = append(positional, parseLiteral(arg))
	}
	return positional, keyword
}

// splitKeyValue recognizes `identifier=literal` (a single '=', not '==').
func splitKeyValue(arg string) (string, string, bool) {
	eq := indexTopLevel(arg, '=')
	if eq <= 0 || eq == len(arg)-1 {
		return "", "", false
	}
	if arg[eq+1] == '=' || arg[eq-1] == '=' || arg[eq-1] == '!' || arg[eq-1] == '<' || arg[eq-1] == '>' {
		return "", "", false
	}
	key := strings.TrimSpace(arg[:eq])
	for i := 0; i < len(key); i++ {
		if !isIdentChar(key[i]) {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(arg[eq+1:]), true
}

// parseLiteral converts a source literal to its Go value: quoted strings,
// numbers, booleans. Anything else is kept as the raw trimmed string.
func parseLiteral(s string) any {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			if unq, err := strconv.Unquote(`"` + strings.ReplaceAll(s[1:len(s)-1], `\'`, `'`) + `"`); err == nil {
				return unq
			}
			return s[1 : len(s)-1]
		}
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n) // match encoding/json numeric representation
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// splitTopLevel splits on sep outside quotes and outside (), [], {} nesting.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
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
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}

// indexTopLevel finds the first sep outside quotes, or -1.
func indexTopLevel(s string, sep byte) int {
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			continue
		}
		if c == sep {
			return i
		}
	}
	return -1
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
