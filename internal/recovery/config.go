package recovery

// KeywordRule synthesizes a best-guess call when all of its keywords appear
// in the model text and no higher-priority recognizer fired.
type KeywordRule struct {
	AllOf  []string       // every keyword must be present (case-insensitive)
	Tool   string
	Action string
	Params map[string]any // default parameters for the synthesized call
}

// FormatRule maps a literal or pattern in the task description to extra
// parameters merged onto append-style calls.
type FormatRule struct {
	Match []string // any of these substrings triggers the rule
	Param string
	Value any
}

// Config carries the product-tunable heuristics of the recovery layer.
// The zero value selects the built-in defaults. These tables are business
// heuristics, not core behavior, so they stay replaceable.
type Config struct {
	KeywordRules    []KeywordRule
	FormatRules     []FormatRule
	EditIntentWords []string // task-text markers that signal an edit intent
}

func (c Config) withDefaults() Config {
	if c.KeywordRules == nil {
		c.KeywordRules = defaultKeywordRules
	}
	if c.FormatRules == nil {
		c.FormatRules = defaultFormatRules
	}
	if c.EditIntentWords == nil {
		c.EditIntentWords = defaultEditIntentWords
	}
	return c
}

var defaultKeywordRules = []KeywordRule{
	{AllOf: []string{"word", "create"}, Tool: "document", Action: "create_document", Params: map[string]any{"path": "output.docx"}},
	{AllOf: []string{"document", "create"}, Tool: "document", Action: "create_document", Params: map[string]any{"path": "output.docx"}},
	{AllOf: []string{"document", "open"}, Tool: "document", Action: "open_document", Params: map[string]any{"path": "output.docx"}},
	{AllOf: []string{"spreadsheet", "create"}, Tool: "spreadsheet", Action: "create_workbook", Params: map[string]any{"path": "output.xlsx"}},
	{AllOf: []string{"excel", "create"}, Tool: "spreadsheet", Action: "create_workbook", Params: map[string]any{"path": "output.xlsx"}},
	{AllOf: []string{"document", "save"}, Tool: "document", Action: "save", Params: map[string]any{}},
}

var defaultFormatRules = []FormatRule{
	{Match: []string{"bold"}, Param: "bold", Value: true},
	{Match: []string{"italic"}, Param: "italic", Value: true},
	{Match: []string{"underline"}, Param: "underline", Value: true},
	{Match: []string{"red"}, Param: "color", Value: "FF0000"},
	{Match: []string{"blue"}, Param: "color", Value: "0000FF"},
	{Match: []string{"green"}, Param: "color", Value: "00FF00"},
	{Match: []string{"black"}, Param: "color", Value: "000000"},
	{Match: []string{"yellow"}, Param: "color", Value: "FFFF00"},
	{Match: []string{"arial"}, Param: "font", Value: "Arial"},
	{Match: []string{"times new roman"}, Param: "font", Value: "Times New Roman"},
	{Match: []string{"calibri"}, Param: "font", Value: "Calibri"},
	{Match: []string{"courier"}, Param: "font", Value: "Courier New"},
	{Match: []string{"double border"}, Param: "border_style", Value: "double"},
	{Match: []string{"no border", "without border"}, Param: "border_style", Value: "none"},
	{Match: []string{"single border", "thin border"}, Param: "border_style", Value: "single"},
}

var defaultEditIntentWords = []string{
	"add", "append", "write", "insert", "change", "edit", "update", "modify", "set", "fill",
}
