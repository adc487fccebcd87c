package recovery

import (
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/nodelab/conduct/pkg/schema"
)

// structuredRecognizer extracts self-delimited JSON-like blocks (objects or
// arrays) embedded anywhere in the text. Objects missing an explicit
// tool/action pair are normalized through the signature alias table.
type structuredRecognizer struct{}

func (r *structuredRecognizer) Name() string { return "structured-block" }

func (r *structuredRecognizer) Recognize(text string) []schema.ToolCall {
	var calls []schema.ToolCall
	for _, block := range extractBlocks(text) {
		parsed := gjson.Parse(block)
		switch {
		case parsed.IsArray():
			for _, el := range parsed.Array() {
				if el.IsObject() {
					if call, ok := normalizeObject(el); ok {
						calls = append(calls, call)
					}
				}
			}
		case parsed.IsObject():
			if call, ok := normalizeObject(parsed); ok {
				calls = append(calls, call)
			}
		}
	}
	return calls
}

// extractBlocks returns every balanced top-level {...} or [...] region that
// is valid JSON, in source order. Brace matching skips string literals so
// embedded quotes and escapes do not break the scan.
func extractBlocks(text string) []string {
	var blocks []string
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}
		end := matchBalanced(text, i)
		if end < 0 {
			continue
		}
		candidate := text[i : end+1]
		if gjson.Valid(candidate) {
			blocks = append(blocks, candidate)
			i = end // resume after the block
		}
	}
	return blocks
}

// matchBalanced returns the index of the delimiter closing the one at start,
// or -1 when unbalanced.
func matchBalanced(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// normalizeObject converts one JSON object into a canonical call.
// Recognized shapes, in order:
//
//	{"tool": "document", "action": "append_content", "params": {...}}
//	{"name": "add_paragraph", "arguments": {...}}
//	{"add_paragraph": {...}}            (bare alias form)
func normalizeObject(obj gjson.Result) (schema.ToolCall, bool) {
	tool := obj.Get("tool").String()
	action := obj.Get("action").String()
	if tool != "" && action != "" {
		return schema.ToolCall{Tool: tool, Action: action, Params: objectParams(obj, "params", "parameters", "args", "arguments")}, true
	}

	name := obj.Get("name").String()
	if name == "" {
		name = obj.Get("function").String()
	}
	if sig, ok := signatures[strings.ToLower(name)]; ok {
		return schema.ToolCall{Tool: sig.Tool, Action: sig.Action, Params: objectParams(obj, "arguments", "args", "params", "parameters")}, true
	}

	// Bare alias form: a single key named after a known call whose value is
	// the parameter object.
	keys := objectKeys(obj)
	if len(keys) == 1 {
		if sig, ok := signatures[strings.ToLower(keys[0])]; ok {
			inner := obj.Get(keys[0])
			params := map[string]any{}
			if inner.IsObject() {
				params = asParamMap(inner)
			} else if inner.Exists() && inner.Type != gjson.Null {
				// Scalar value binds to the first positional parameter.
				if len(sig.Positional) > 0 {
					params[sig.Positional[0]] = inner.Value()
				}
			}
			return schema.ToolCall{Tool: sig.Tool, Action: sig.Action, Params: params}, true
		}
	}

	return schema.ToolCall{}, false
}

// objectParams returns the first present parameter object among the given keys.
func objectParams(obj gjson.Result, keys ...string) map[string]any {
	for _, k := range keys {
		if v := obj.Get(k); v.IsObject() {
			return asParamMap(v)
		}
	}
	return map[string]any{}
}

func asParamMap(obj gjson.Result) map[string]any {
	params := make(map[string]any)
	obj.ForEach(func(key, value gjson.Result) bool {
		params[key.String()] = value.Value()
		return true
	})
	return params
}

// objectKeys returns the object's keys in sorted order so alias detection is
// deterministic.
func objectKeys(obj gjson.Result) []string {
	var keys []string
	obj.ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	sort.Strings(keys)
	return keys
}
