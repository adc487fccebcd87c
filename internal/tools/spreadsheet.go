package tools

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/nodelab/conduct/internal/router"
	"github.com/nodelab/conduct/pkg/schema"
)

// SpreadsheetSuite edits one workbook at a time. Cells live in memory per
// sheet until save serializes the whole workbook as JSON.
type SpreadsheetSuite struct {
	mu      sync.Mutex
	path    string
	current string
	sheets  map[string]map[string]any
}

// NewSpreadsheetSuite creates a suite with no open workbook.
func NewSpreadsheetSuite() *SpreadsheetSuite {
	return &SpreadsheetSuite{}
}

// Executors returns the suite's router executors.
func (s *SpreadsheetSuite) Executors() []router.Executor {
	return []router.Executor{
		&router.ExecutorFunc{ToolName: "spreadsheet", ActionName: "create_workbook", Desc: "Create a new workbook", Fn: s.create},
		&router.ExecutorFunc{ToolName: "spreadsheet", ActionName: "open_workbook", Desc: "Open an existing workbook", Fn: s.open},
		&router.ExecutorFunc{ToolName: "spreadsheet", ActionName: "set_cell", Desc: "Set a cell value on the active sheet", Fn: s.setCell},
		&router.ExecutorFunc{ToolName: "spreadsheet", ActionName: "add_sheet", Desc: "Add a sheet and make it active", Fn: s.addSheet},
		&router.ExecutorFunc{ToolName: "spreadsheet", ActionName: "save", Desc: "Write the open workbook to disk", Fn: s.save},
	}
}

func (s *SpreadsheetSuite) create(ctx context.Context, params map[string]any) (*router.Result, error) {
	path, _ := params["path"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.current = "Sheet1"
	s.sheets = map[string]map[string]any{"Sheet1": {}}
	if err := s.flush(); err != nil {
		return nil, err
	}
	return &router.Result{Success: true, Output: map[string]any{"path": path, "created": true}}, nil
}

func (s *SpreadsheetSuite) open(ctx context.Context, params map[string]any) (*router.Result, error) {
	path, _ := params["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "open workbook: %s", err.Error()).WithCause(err)
	}
	sheets := map[string]map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sheets); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "open workbook: %s", err.Error()).WithCause(err)
		}
	}
	if len(sheets) == 0 {
		sheets["Sheet1"] = map[string]any{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.path = path
	s.sheets = sheets
	s.current = "Sheet1"
	if _, ok := sheets["Sheet1"]; !ok {
		for name := range sheets {
			s.current = name
			break
		}
	}
	return &router.Result{Success: true, Output: map[string]any{"path": path, "sheets": len(sheets)}}, nil
}

func (s *SpreadsheetSuite) setCell(ctx context.Context, params map[string]any) (*router.Result, error) {
	cell, _ := params["cell"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no workbook open")
	}
	s.sheets[s.current][cell] = params["value"]
	return &router.Result{Success: true, Output: map[string]any{"sheet": s.current, "cell": cell}}, nil
}

func (s *SpreadsheetSuite) addSheet(ctx context.Context, params map[string]any) (*router.Result, error) {
	name, _ := params["name"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no workbook open")
	}
	if _, exists := s.sheets[name]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "sheet %q already exists", name)
	}
	s.sheets[name] = map[string]any{}
	s.current = name
	return &router.Result{Success: true, Output: map[string]any{"sheet": name}}, nil
}

func (s *SpreadsheetSuite) save(ctx context.Context, params map[string]any) (*router.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := params["path"].(string); ok && p != "" {
		s.path = p
	}
	if s.path == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "no workbook open")
	}
	if err := s.flush(); err != nil {
		return nil, err
	}
	return &router.Result{Success: true, Output: map[string]any{"path": s.path, "sheets": len(s.sheets)}}, nil
}

// flush writes the workbook. Caller holds the lock.
func (s *SpreadsheetSuite) flush() error {
	data, err := json.MarshalIndent(s.sheets, "", "  ")
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "encode workbook: %s", err.Error()).WithCause(err)
	}
	if err := os.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return schema.NewErrorf(schema.ErrCodeExecution, "save workbook: %s", err.Error()).WithCause(err)
	}
	return nil
}
