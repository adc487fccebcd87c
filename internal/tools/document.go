package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/pkg/schema"
)

// DocumentSuite edits one text document at a time. Create/open establish the
// working document; append/heading/table mutate the in-memory body; save
// flushes it to disk. Format parameters are kept as inline markers so the
// output stays inspectable in tests and demos.
type DocumentSuite struct {
	mu    sync.Mutex
	path  string
	lines []string
}

// NewDocumentSuite creates a suite with no open document.
func NewDocumentSuite() *DocumentSuite {
	return &DocumentSuite{}
}

// Executors returns the suite's router executors.
func (d *DocumentSuite) Executors() []router.Executor {
	return []router.Executor{
		&router.ExecutorFunc{ToolName: "document", ActionName: "create_document", Desc: "Create a new empty document", Fn: d.create},
		&router.ExecutorFunc{ToolName: "document", ActionName: "open_document", Desc: "Open an existing document", Fn: d.open},
		&router.ExecutorFunc{ToolName: "document", ActionName: "append_content", Desc: "Append a paragraph to the open document", Fn: d.appendContent},
		&router.ExecutorFunc{ToolName: "document", ActionName: "add_heading", Desc: "Append a heading to the open document", Fn: d.addHeading},
		&router.ExecutorFunc{ToolName: "document", ActionName: "insert_table", Desc: "Append an empty table to the open document", Fn: d.insertTable},
		&router.ExecutorFunc{ToolName: "document", ActionName: "save", Desc: "Write the open document to disk", Fn: d.save},
	}
}

func (d *DocumentSuite) create(ctx context.Context, params map[string]any) (*router.Result, error) {
	path, _ := params["path"].(string)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = path
	d.lines = nil
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "create document: %s", err.Error()).WithCause(err)
	}
	return &router.Result{Success: true, Output: map[string]any{"path": path, "created": true}}, nil
}

func (d *DocumentSuite) open(ctx context.Context, params map[string]any) (*router.Result, error) {
	path, _ := params["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "open document: %s", err.Error()).WithCause(err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.path = path
	d.lines = nil
	if len(data) > 0 {
		d.lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	}
	return &router.Result{Success: true, Output: map[string]any{"path": path, "lines": len(d.lines)}}, nil
}

func (d *DocumentSuite) appendContent(ctx context.Context, params map[string]any) (*router.Result, error) {
	content, _ := params["content"].(string)
	line := content
	if markers := formatMarkers(params); markers != "" {
		line = fmt.Sprintf("%s [%s]", content, markers)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no document open")
	}
	d.lines = append(d.lines, line)
	return &router.Result{Success: true, Output: map[string]any{"lines": len(d.lines)}}, nil
}

func (d *DocumentSuite) addHeading(ctx context.Context, params map[string]any) (*router.Result, error) {
	content, _ := params["content"].(string)
	level := 1
	if n, ok := toInt(params["level"]); ok && n > 0 {
		level = n
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no document open")
	}
	d.lines = append(d.lines, strings.Repeat("#", level)+" "+content)
	return &router.Result{Success: true, Output: map[string]any{"lines": len(d.lines)}}, nil
}

func (d *DocumentSuite) insertTable(ctx context.Context, params map[string]any) (*router.Result, error) {
	rows, _ := toInt(params["rows"])
	cols, _ := toInt(params["cols"])
	if rows < 1 || cols < 1 {
		return nil, schema.NewError(schema.ErrCodeExecution, "table needs at least one row and column")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no document open")
	}
	row := "|" + strings.Repeat("   |", cols)
	for i := 0; i < rows; i++ {
		d.lines = append(d.lines, row)
	}
	return &router.Result{Success: true, Output: map[string]any{"rows": rows, "cols": cols}}, nil
}

func (d *DocumentSuite) save(ctx context.Context, params map[string]any) (*router.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	path := d.path
	if p, ok := params["path"].(string); ok && p != "" {
		path = p
	}
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no document open")
	}
	body := strings.Join(d.lines, "\n")
	if body != "" {
		body += "\n"
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "save document: %s", err.Error()).WithCause(err)
	}
	return &router.Result{Success: true, Output: map[string]any{"path": path, "bytes": len(body)}}, nil
}

// formatMarkers renders format parameters as a stable marker string, e.g.
// "bold,font=Arial".
func formatMarkers(params map[string]any) string {
	var parts []string
	for _, flag := range []string{"bold", "italic", "underline"} {
		if b, ok := params[flag].(bool); ok && b {
			parts = append(parts, flag)
		}
	}
	for _, kv := range []string{"font", "color"} {
		if s, ok := params[kv].(string); ok && s != "" {
			parts = append(parts, kv+"="+s)
		}
	}
	if n, ok := toInt(params["size"]); ok && n > 0 {
		parts = append(parts, fmt.Sprintf("size=%d", n))
	}
	return strings.Join(parts, ",")
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
