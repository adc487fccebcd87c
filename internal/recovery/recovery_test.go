package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelab/conduct/pkg/schema"
)

func newRecoverer() *Recoverer {
	return New(Config{})
}

// --- Cascade order ---

func TestRecoverer_RecognizerNames(t *testing.T) {
	r := newRecoverer()
	assert.Equal(t, []string{
		"structured-block",
		"call-expression",
		"bracketed-directive",
		"keyword-heuristic",
	}, r.RecognizerNames())
}

func TestRecover_StructuredWinsOverCallExpression(t *testing.T) {
	r := newRecoverer()
	text := `Sure. {"tool":"document","action":"create_document","params":{"path":"report.docx"}} and also create_document("other.docx")`

	calls := r.Recover(text, "")
	require.Len(t, calls, 1)
	assert.Equal(t, "document", calls[0].Tool)
	assert.Equal(t, "create_document", calls[0].Action)
	assert.Equal(t, "report.docx", calls[0].Params["path"])
	assert.False(t, calls[0].Heuristic)
}

func TestRecover_NoRecognizerFires(t *testing.T) {
	r := newRecoverer()
	calls := r.Recover("The weather today is pleasant and mild.", "")
	assert.Nil(t, calls)
}

func TestRecover_Deterministic(t *testing.T) {
	r := newRecoverer()
	text := `append_text("Hello", bold=true)`
	first := r.Recover(text, "make it bold")
	second := r.Recover(text, "make it bold")
	assert.Equal(t, first, second)
}

// --- Structured blocks ---

func TestStructured_CanonicalObject(t *testing.T) {
	rec := &structuredRecognizer{}
	calls := rec.Recognize(`{"tool":"spreadsheet","action":"set_cell","params":{"cell":"A1","value":42}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "spreadsheet.set_cell", calls[0].Qualified())
	assert.Equal(t, "A1", calls[0].Params["cell"])
	assert.Equal(t, float64(42), calls[0].Params["value"])
}

func TestStructured_ArrayOfCalls(t *testing.T) {
	rec := &structuredRecognizer{}
	text := `Here you go:
[{"tool":"document","action":"create_document","params":{"path":"a.docx"}},
 {"tool":"document","action":"save","params":{}}]`

	calls := rec.Recognize(text)
	require.Len(t, calls, 2)
	assert.Equal(t, "document.create_document", calls[0].Qualified())
	assert.Equal(t, "document.save", calls[1].Qualified())
}

func TestStructured_FunctionNameShape(t *testing.T) {
	rec := &structuredRecognizer{}
	calls := rec.Recognize(`{"name":"add_paragraph","arguments":{"content":"Hello"}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "document.append_content", calls[0].Qualified())
	assert.Equal(t, "Hello", calls[0].Params["content"])
}

func TestStructured_BareAliasWithScalar(t *testing.T) {
	rec := &structuredRecognizer{}
	calls := rec.Recognize(`{"create_document":"report.docx"}`)
	require.Len(t, calls, 1)
	assert.Equal(t, "document.create_document", calls[0].Qualified())
	assert.Equal(t, "report.docx", calls[0].Params["path"])
}

func TestStructured_UnknownObjectIgnored(t *testing.T) {
	rec := &structuredRecognizer{}
	calls := rec.Recognize(`{"verdict":"ok","score":3}`)
	assert.Empty(t, calls)
}

func TestStructured_EmbeddedQuotesAndEscapes(t *testing.T) {
	rec := &structuredRecognizer{}
	calls := rec.Recognize(`{"tool":"document","action":"append_content","params":{"content":"he said \"hi\" {twice}"}}`)
	require.Len(t, calls, 1)
	assert.Equal(t, `he said "hi" {twice}`, calls[0].Params["content"])
}

// --- Call expressions ---

func TestCallExpr_PositionalAndKeyword(t *testing.T) {
	rec := &callExprRecognizer{}
	calls := rec.Recognize(`First set_cell("A1", 42, bold=true), then save_workbook("data.xlsx").`)
	require.Len(t, calls, 2)

	assert.Equal(t, "spreadsheet.set_cell", calls[0].Qualified())
	assert.Equal(t, "A1", calls[0].Params["cell"])
	assert.Equal(t, float64(42), calls[0].Params["value"])
	assert.Equal(t, true, calls[0].Params["bold"])

	assert.Equal(t, "spreadsheet.save", calls[1].Qualified())
	assert.Equal(t, "data.xlsx", calls[1].Params["path"])
}

func TestCallExpr_UnknownNameIgnored(t *testing.T) {
	rec := &callExprRecognizer{}
	calls := rec.Recognize(`frobnicate("x") then create_document("a.docx")`)
	require.Len(t, calls, 1)
	assert.Equal(t, "document.create_document", calls[0].Qualified())
}

func TestCallExpr_DottedReferenceSkipped(t *testing.T) {
	rec := &callExprRecognizer{}
	calls := rec.Recognize(`doc.save("a.docx")`)
	assert.Empty(t, calls)
}

func TestCallExpr_NeverSpansLines(t *testing.T) {
	rec := &callExprRecognizer{}
	calls := rec.Recognize("create_document(\n\"a.docx\")")
	assert.Empty(t, calls)
}

// --- Bracketed directives ---

func TestDirective_KeyValueAttributes(t *testing.T) {
	rec := &directiveRecognizer{}
	calls := rec.Recognize(`[append_text content="Hello world" bold=true]`)
	require.Len(t, calls, 1)
	assert.Equal(t, "document.append_content", calls[0].Qualified())
	assert.Equal(t, "Hello world", calls[0].Params["content"])
	assert.Equal(t, true, calls[0].Params["bold"])
}

func TestDirective_LeadingPositional(t *testing.T) {
	rec := &directiveRecognizer{}
	calls := rec.Recognize(`[add_heading "Overview" level=2]`)
	require.Len(t, calls, 1)
	assert.Equal(t, "document.add_heading", calls[0].Qualified())
	assert.Equal(t, "Overview", calls[0].Params["content"])
	assert.Equal(t, float64(2), calls[0].Params["level"])
}

func TestDirective_UnknownNameIgnored(t *testing.T) {
	rec := &directiveRecognizer{}
	calls := rec.Recognize(`[note this is prose] [save_document "a.docx"]`)
	require.Len(t, calls, 1)
	assert.Equal(t, "document.save", calls[0].Qualified())
}

// --- Keyword heuristic ---

func TestKeyword_SynthesizesHeuristicCall(t *testing.T) {
	r := newRecoverer()
	calls := r.Recover("I will now create a Word document for you.", "")
	require.Len(t, calls, 1)
	assert.Equal(t, "document.create_document", calls[0].Qualified())
	assert.Equal(t, "output.docx", calls[0].Params["path"])
	assert.True(t, calls[0].Heuristic)
}

func TestKeyword_FirstRuleWins(t *testing.T) {
	rec := &keywordRecognizer{rules: defaultKeywordRules}
	calls := rec.Recognize("create a word document and save the document")
	require.Len(t, calls, 1)
	assert.Equal(t, "document.create_document", calls[0].Qualified())
}

// --- Smart completion ---

func TestRecover_CompletesLoneOpenWithEditIntent(t *testing.T) {
	r := newRecoverer()
	task := `Open the report and add the text "Quarterly results are in" to it`

	calls := r.Recover(`open_document("report.docx")`, task)
	require.Len(t, calls, 3)

	assert.Equal(t, "document.open_document", calls[0].Qualified())
	assert.False(t, calls[0].Synthetic)

	assert.Equal(t, "document.append_content", calls[1].Qualified())
	assert.True(t, calls[1].Synthetic)
	assert.Equal(t, "Quarterly results are in", calls[1].Params["content"])

	assert.Equal(t, "document.save", calls[2].Qualified())
	assert.True(t, calls[2].Synthetic)
}

func TestRecover_SyntheticAppendReceivesFormatIntent(t *testing.T) {
	r := newRecoverer()
	task := `Open the report and add "Hello" in bold red Arial`

	calls := r.Recover(`open_document("report.docx")`, task)
	require.Len(t, calls, 3)

	appendCall := calls[1]
	assert.Equal(t, "document.append_content", appendCall.Qualified())
	assert.Equal(t, "Hello", appendCall.Params["content"])
	assert.Equal(t, true, appendCall.Params["bold"])
	assert.Equal(t, "FF0000", appendCall.Params["color"])
	assert.Equal(t, "Arial", appendCall.Params["font"])
}

func TestRecover_NoCompletionWithoutEditIntent(t *testing.T) {
	r := newRecoverer()
	calls := r.Recover(`open_document("report.docx")`, "Open the quarterly report")
	require.Len(t, calls, 1)
	assert.Equal(t, "document.open_document", calls[0].Qualified())
}

func TestRecover_SynthesizesSaveAfterUnsavedMutation(t *testing.T) {
	r := newRecoverer()
	text := `open_document("report.docx") then append_text("Summary")`
	calls := r.Recover(text, `Open the report and add a summary`)
	require.Len(t, calls, 3)

	assert.False(t, calls[0].Synthetic)
	assert.False(t, calls[1].Synthetic)
	assert.Equal(t, "document.save", calls[2].Qualified())
	assert.True(t, calls[2].Synthetic)
}

func TestRecover_NoSyntheticSaveWhenAlreadySaved(t *testing.T) {
	r := newRecoverer()
	text := `open_document("report.docx") append_text("Summary") save()`
	calls := r.Recover(text, `Open the report and add a summary`)
	require.Len(t, calls, 3)
	for _, c := range calls {
		assert.False(t, c.Synthetic)
	}
}

// --- Format intent ---

func TestFormatIntent_OnlyAppendStyleCalls(t *testing.T) {
	r := newRecoverer()
	text := `create_document("a.docx") append_text("Hi") save()`
	calls := r.Recover(text, "write Hi in bold")
	require.Len(t, calls, 3)

	_, onCreate := calls[0].Params["bold"]
	assert.False(t, onCreate)
	assert.Equal(t, true, calls[1].Params["bold"])
	_, onSave := calls[2].Params["bold"]
	assert.False(t, onSave)
}

func TestFormatIntent_NeverOverridesExplicitParams(t *testing.T) {
	r := newRecoverer()
	calls := r.Recover(`append_text("Hi", bold=false)`, "add Hi in bold")
	require.Len(t, calls, 1)
	assert.Equal(t, false, calls[0].Params["bold"])
}

func TestFormatIntent_FontSize(t *testing.T) {
	tests := []struct {
		name string
		task string
		want any
	}{
		{"size keyword", "add the title in size 14", float64(14)},
		{"pt suffix", "add the title at 18pt", float64(18)},
		{"out of range ignored", "add the title in size 500", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRecoverer()
			calls := r.Recover(`append_text("Title")`, tt.task)
			require.Len(t, calls, 1)
			assert.Equal(t, tt.want, calls[0].Params["size"])
		})
	}
}

func TestExtractContent_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		task string
		want string
	}{
		{"quoted after verb", `add the text "Hello there"`, "Hello there"},
		{"any quoted span", `the document should say "Budget 2026"`, "Budget 2026"},
		{"unquoted after verb", `insert the paragraph closing remarks.`, "closing remarks"},
		{"whole text fallback", `summary of findings`, "summary of findings"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractContent(tt.task))
		})
	}
}

// --- Custom configuration ---

func TestRecover_CustomKeywordRules(t *testing.T) {
	r := New(Config{
		KeywordRules: []KeywordRule{
			{AllOf: []string{"chart"}, Tool: "image", Action: "create_image", Params: map[string]any{"path": "chart.png"}},
		},
	})
	calls := r.Recover("draw me a chart please", "")
	require.Len(t, calls, 1)
	assert.Equal(t, "image.create_image", calls[0].Qualified())
	assert.Equal(t, "chart.png", calls[0].Params["path"])
}

func TestQualified(t *testing.T) {
	call := schema.ToolCall{Tool: "document", Action: "save"}
	assert.Equal(t, "document.save", call.Qualified())
}
