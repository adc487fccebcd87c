package router

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nodelab/conduct/pkg/schema"
)

// contractJSON holds the static per-action parameter contracts as JSON
// Schema Draft 2020-12 documents, keyed by "tool.action". Actions without an
// entry accept any parameters.
var contractJSON = map[string]string{
	"document.create_document": `{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`,
	"document.open_document":   `{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`,
	"document.append_content":  `{"type":"object","required":["content"],"properties":{"content":{"type":"string"},"bold":{"type":"boolean"},"italic":{"type":"boolean"},"underline":{"type":"boolean"},"font":{"type":"string"},"color":{"type":"string"},"size":{"type":"number"}}}`,
	"document.add_heading":     `{"type":"object","required":["content"],"properties":{"content":{"type":"string"},"level":{"type":"number"}}}`,
	"document.insert_table":    `{"type":"object","required":["rows","cols"],"properties":{"rows":{"type":"number","minimum":1},"cols":{"type":"number","minimum":1},"border_style":{"type":"string"}}}`,
	"document.save":            `{"type":"object","properties":{"path":{"type":"string"}}}`,

	"spreadsheet.create_workbook": `{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`,
	"spreadsheet.open_workbook":   `{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`,
	"spreadsheet.set_cell":        `{"type":"object","required":["cell","value"],"properties":{"cell":{"type":"string","pattern":"^[A-Z]+[0-9]+$"},"value":{}}}`,
	"spreadsheet.add_sheet":       `{"type":"object","required":["name"],"properties":{"name":{"type":"string","minLength":1}}}`,
	"spreadsheet.save":            `{"type":"object","properties":{"path":{"type":"string"}}}`,

	"image.create_image": `{"type":"object","required":["path"],"properties":{"path":{"type":"string","minLength":1}}}`,
	"image.resize":       `{"type":"object","required":["width","height"],"properties":{"width":{"type":"number","minimum":1},"height":{"type":"number","minimum":1}}}`,
	"image.save":         `{"type":"object","properties":{"path":{"type":"string"}}}`,
}

// contracts compiles and caches parameter schemas. Safe for concurrent use.
type contracts struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newContracts() *contracts {
	return &contracts{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks call parameters against the action's contract. Missing
// required parameters produce ErrCodeMissingParameter with the names in
// Details; other violations produce ErrCodeValidation.
func (c *contracts) validate(call schema.ToolCall) error {
	raw, ok := contractJSON[call.Qualified()]
	if !ok {
		return nil // no contract means any parameters are accepted
	}

	compiled, err := c.getOrCompile(call.Qualified(), raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid contract for %s: %s", call.Qualified(), err.Error()).WithCause(err)
	}

	// Missing required parameters are reported before full validation so the
	// caller gets the exact names.
	if missing := missingRequired(raw, call.Params); len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeMissingParameter,
			"%s missing required parameters: %s", call.Qualified(), strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}

	doc, err := toJSONValue(call.Params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize call parameters").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parameters for %s: %s", call.Qualified(), err.Error()).WithCause(err)
	}
	return nil
}

func (c *contracts) getOrCompile(key, raw string) (*jsonschema.Schema, error) {
	c.mu.RLock()
	if s, ok := c.compiled[key]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.compiled[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal contract: %w", err)
	}

	url := fmt.Sprintf("conduct://contracts/%s.json", key)
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add contract resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile contract: %w", err)
	}

	c.compiled[key] = compiled
	return compiled, nil
}

// missingRequired reads the contract's required list and reports names
// absent from params.
func missingRequired(raw string, params map[string]any) []string {
	var doc struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil
	}
	var missing []string
	for _, name := range doc.Required {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}
