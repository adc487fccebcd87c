package recovery

// callSignature maps a surface function/directive name to its canonical
// (tool, action) pair and the names positional arguments bind to.
type callSignature struct {
	Tool       string
	Action     string
	Positional []string
}

// signatures is the static name table shared by the call-expression and
// bracketed-directive recognizers, and by the structured-block alias pass.
var signatures = map[string]callSignature{
	"create_document": {Tool: "document", Action: "create_document", Positional: []string{"path"}},
	"open_document":   {Tool: "document", Action: "open_document", Positional: []string{"path"}},
	"add_paragraph":   {Tool: "document", Action: "append_content", Positional: []string{"content"}},
	"append_text":     {Tool: "document", Action: "append_content", Positional: []string{"content"}},
	"append_content":  {Tool: "document", Action: "append_content", Positional: []string{"content"}},
	"add_heading":     {Tool: "document", Action: "add_heading", Positional: []string{"content", "level"}},
	"insert_table":    {Tool: "document", Action: "insert_table", Positional: []string{"rows", "cols"}},
	"save_document":   {Tool: "document", Action: "save", Positional: []string{"path"}},
	"save":            {Tool: "document", Action: "save", Positional: []string{"path"}},

	"create_workbook": {Tool: "spreadsheet", Action: "create_workbook", Positional: []string{"path"}},
	"open_workbook":   {Tool: "spreadsheet", Action: "open_workbook", Positional: []string{"path"}},
	"set_cell":        {Tool: "spreadsheet", Action: "set_cell", Positional: []string{"cell", "value"}},
	"add_sheet":       {Tool: "spreadsheet", Action: "add_sheet", Positional: []string{"name"}},
	"save_workbook":   {Tool: "spreadsheet", Action: "save", Positional: []string{"path"}},

	"create_image": {Tool: "image", Action: "create_image", Positional: []string{"path"}},
	"resize_image": {Tool: "image", Action: "resize", Positional: []string{"width", "height"}},
	"save_image":   {Tool: "image", Action: "save", Positional: []string{"path"}},
}

// openActions are calls that acquire a target resource.
var openActions = map[string]bool{
	"document.open_document":      true,
	"document.create_document":    true,
	"spreadsheet.open_workbook":   true,
	"spreadsheet.create_workbook": true,
	"image.create_image":          true,
}

// appendStyleActions receive merged format-intent parameters.
var appendStyleActions = map[string]bool{
	"document.append_content": true,
	"document.add_heading":    true,
}

// saveActions close out an edit sequence.
var saveActions = map[string]bool{
	"document.save":    true,
	"spreadsheet.save": true,
	"image.save":       true,
}
