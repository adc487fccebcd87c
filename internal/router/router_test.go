package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelab/conduct/pkg/schema"
)

// capturingExecutor records the params it was invoked with.
type capturingExecutor struct {
	tool   string
	action string
	fail   bool

	mu     sync.Mutex
	params []map[string]any
}

func (e *capturingExecutor) Tool() string        { return e.tool }
func (e *capturingExecutor) Action() string      { return e.action }
func (e *capturingExecutor) Description() string { return "" }

func (e *capturingExecutor) Invoke(_ context.Context, params map[string]any) (*Result, error) {
	e.mu.Lock()
	e.params = append(e.params, params)
	e.mu.Unlock()
	if e.fail {
		return &Result{Success: false, Error: "tool blew up"}, nil
	}
	return &Result{Success: true, Output: map[string]any{"ok": true}}, nil
}

func (e *capturingExecutor) lastParams() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.params) == 0 {
		return nil
	}
	return e.params[len(e.params)-1]
}

func newTestRouter(t *testing.T, cfg Config, execs ...Executor) (*Router, *Registry) {
	t.Helper()
	reg := NewRegistry()
	for _, e := range execs {
		require.NoError(t, reg.Register(e))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(reg, cfg, logger), reg
}

func call(tool, action string, params map[string]any) schema.ToolCall {
	return schema.ToolCall{Tool: tool, Action: action, Params: params}
}

// --- Dispatch ---

func TestRoute_Success(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "append_content"}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	res, err := r.Route(context.Background(), call("document", "append_content", map[string]any{"content": "Hi"}), rctx, "n1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)

	lineage := rctx.Lineage()
	require.Len(t, lineage, 1)
	assert.Equal(t, "document.append_content", lineage[0].Action)
	assert.Equal(t, "n1", lineage[0].SourceNode)
	assert.True(t, lineage[0].Success)
}

func TestRoute_UnknownTool(t *testing.T) {
	r, _ := newTestRouter(t, Config{})
	rctx := NewResourceContext()

	res, err := r.Route(context.Background(), call("document", "shred", nil), rctx, "n1")
	require.Error(t, err)
	assert.False(t, res.Success)

	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeUnknownTool, ce.Code)

	// The failed attempt is still on the lineage log.
	lineage := rctx.Lineage()
	require.Len(t, lineage, 1)
	assert.False(t, lineage[0].Success)
}

func TestRoute_ExecutorReportedFailure(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "save", fail: true}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	res, err := r.Route(context.Background(), call("document", "save", map[string]any{}), rctx, "n1")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "tool blew up", res.Error)
}

func TestRoute_ExecutorError(t *testing.T) {
	exec := &ExecutorFunc{
		ToolName:   "document",
		ActionName: "save",
		Fn: func(_ context.Context, _ map[string]any) (*Result, error) {
			return nil, errors.New("connection lost")
		},
	}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	res, err := r.Route(context.Background(), call("document", "save", map[string]any{}), rctx, "n1")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection lost")

	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeExecution, ce.Code)
}

// --- Contract validation ---

func TestRoute_MissingRequiredParameters(t *testing.T) {
	exec := &capturingExecutor{tool: "spreadsheet", action: "set_cell"}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	_, err := r.Route(context.Background(), call("spreadsheet", "set_cell", map[string]any{"cell": "A1"}), rctx, "n1")
	require.Error(t, err)

	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeMissingParameter, ce.Code)
	assert.Equal(t, []string{"value"}, ce.Details["missing"])

	// Invalid calls never reach the executor.
	assert.Nil(t, exec.lastParams())
}

func TestRoute_ContractTypeViolation(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "insert_table"}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	_, err := r.Route(context.Background(), call("document", "insert_table", map[string]any{"rows": "three", "cols": 2}), rctx, "n1")
	require.Error(t, err)

	var ce *schema.ConductError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeValidation, ce.Code)
}

func TestRoute_NoContractAcceptsAnything(t *testing.T) {
	exec := &capturingExecutor{tool: "custom", action: "anything"}
	r, _ := newTestRouter(t, Config{}, exec)

	res, err := r.Route(context.Background(), call("custom", "anything", map[string]any{"whatever": 1}), NewResourceContext(), "n1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

// --- Resource normalization ---

func TestRoute_CanonicalExtensionAdded(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "create_document"}
	r, _ := newTestRouter(t, Config{}, exec)

	res, err := r.Route(context.Background(), call("document", "create_document", map[string]any{"path": "/ws/report"}), NewResourceContext(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "/ws/report.docx", res.ResourcePath)
	assert.Equal(t, "/ws/report.docx", exec.lastParams()["path"])
}

func TestRoute_ExistingExtensionKept(t *testing.T) {
	exec := &capturingExecutor{tool: "spreadsheet", action: "open_workbook"}
	r, _ := newTestRouter(t, Config{}, exec)

	res, err := r.Route(context.Background(), call("spreadsheet", "open_workbook", map[string]any{"path": "/ws/data.xlsx"}), NewResourceContext(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "/ws/data.xlsx", res.ResourcePath)
}

func TestRoute_BareNameResolvedAgainstDefaultDir(t *testing.T) {
	exec := &capturingExecutor{tool: "image", action: "create_image"}
	r, _ := newTestRouter(t, Config{DefaultDir: "/ws"}, exec)

	res, err := r.Route(context.Background(), call("image", "create_image", map[string]any{"path": "logo"}), NewResourceContext(), "n1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/ws", "logo.png"), res.ResourcePath)
}

func TestRoute_AbsolutePathNotRelocated(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "create_document"}
	r, _ := newTestRouter(t, Config{DefaultDir: "/ws"}, exec)

	res, err := r.Route(context.Background(), call("document", "create_document", map[string]any{"path": "/tmp/out.docx"}), NewResourceContext(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.docx", res.ResourcePath)
}

func TestNormalizeResource_CopiesParams(t *testing.T) {
	r, _ := newTestRouter(t, Config{DefaultDir: "/ws"})
	original := map[string]any{"path": "report"}

	normalized := r.normalizeResource(call("document", "create_document", original))
	assert.Equal(t, "report", original["path"])
	assert.Equal(t, filepath.Join("/ws", "report.docx"), normalized.Params["path"])
}

// --- Target pinning and the consistency rewrite ---

func TestRoute_FirstAcquirePinsTarget(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "create_document"}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	_, err := r.Route(context.Background(), call("document", "create_document", map[string]any{"path": "/ws/a.docx"}), rctx, "n1")
	require.NoError(t, err)

	target, ok := rctx.Target()
	require.True(t, ok)
	assert.Equal(t, "/ws/a.docx", target)
}

func TestRoute_FailedAcquireDoesNotPin(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "open_document", fail: true}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	_, err := r.Route(context.Background(), call("document", "open_document", map[string]any{"path": "/ws/a.docx"}), rctx, "n1")
	require.NoError(t, err)

	_, ok := rctx.Target()
	assert.False(t, ok)
}

func TestRoute_NonAcquireDoesNotPin(t *testing.T) {
	exec := &capturingExecutor{tool: "document", action: "save"}
	r, _ := newTestRouter(t, Config{}, exec)
	rctx := NewResourceContext()

	_, err := r.Route(context.Background(), call("document", "save", map[string]any{"path": "/ws/a.docx"}), rctx, "n1")
	require.NoError(t, err)

	_, ok := rctx.Target()
	assert.False(t, ok)
}

func TestRoute_MismatchRewrittenToTarget(t *testing.T) {
	create := &capturingExecutor{tool: "document", action: "create_document"}
	save := &capturingExecutor{tool: "document", action: "save"}
	r, _ := newTestRouter(t, Config{}, create, save)
	rctx := NewResourceContext()

	_, err := r.Route(context.Background(), call("document", "create_document", map[string]any{"path": "/ws/a.docx"}), rctx, "n1")
	require.NoError(t, err)

	stray := map[string]any{"path": "/ws/other.docx"}
	res, err := r.Route(context.Background(), call("document", "save", stray), rctx, "n2")
	require.NoError(t, err)
	assert.True(t, res.Rewritten)
	assert.Equal(t, "/ws/a.docx", res.ResourcePath)
	assert.Equal(t, "/ws/a.docx", save.lastParams()["path"])
	// Caller's params map is untouched.
	assert.Equal(t, "/ws/other.docx", stray["path"])

	violations := rctx.Violations()
	require.Len(t, violations, 1)
	assert.Equal(t, "document.save", violations[0].Action)
	assert.Equal(t, "/ws/other.docx", violations[0].ResourcePath)
	assert.Equal(t, "n2", violations[0].SourceNode)
}

func TestRoute_MatchingPathNotRewritten(t *testing.T) {
	create := &capturingExecutor{tool: "document", action: "create_document"}
	save := &capturingExecutor{tool: "document", action: "save"}
	r, _ := newTestRouter(t, Config{}, create, save)
	rctx := NewResourceContext()

	_, err := r.Route(context.Background(), call("document", "create_document", map[string]any{"path": "/ws/a.docx"}), rctx, "n1")
	require.NoError(t, err)

	res, err := r.Route(context.Background(), call("document", "save", map[string]any{"path": "/ws/a.docx"}), rctx, "n2")
	require.NoError(t, err)
	assert.False(t, res.Rewritten)
	assert.Empty(t, rctx.Violations())
}

func TestRoute_PathlessCallNeverRewritten(t *testing.T) {
	appendContent := &capturingExecutor{tool: "document", action: "append_content"}
	r, _ := newTestRouter(t, Config{}, appendContent)
	rctx := NewResourceContext()
	rctx.SetTarget("/ws/a.docx")

	res, err := r.Route(context.Background(), call("document", "append_content", map[string]any{"content": "Hi"}), rctx, "n1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Rewritten)
	assert.Empty(t, res.ResourcePath)
}
