// Package recovery converts raw model-produced text into canonical tool
// calls. Recognizers are tried in a fixed priority order and the first one
// that yields at least one call wins; strategies are never merged. If no
// recognizer fires the result is an empty list, which callers treat as
// "no tool calls" rather than an error.
package recovery

import (
	"github.com/nodelab/conduct/pkg/schema"
)

// Recognizer extracts canonical calls from one block of model text.
type Recognizer interface {
	Name() string
	Recognize(text string) []schema.ToolCall
}

// Recoverer runs the recognizer cascade plus the format-intent and
// smart-completion passes. Safe for concurrent use; all state is read-only
// after construction.
type Recoverer struct {
	recognizers []Recognizer
	cfg         Config
}

// New creates a Recoverer with the standard cascade:
// structured block > call expression > bracketed directive > keyword heuristic.
func New(cfg Config) *Recoverer {
	cfg = cfg.withDefaults()
	return &Recoverer{
		cfg: cfg,
		recognizers: []Recognizer{
			&structuredRecognizer{},
			&callExprRecognizer{},
			&directiveRecognizer{},
			&keywordRecognizer{rules: cfg.KeywordRules},
		},
	}
}

// Recover parses modelText into canonical calls, then applies the
// format-intent pass (sourced from taskText, not the model output) and the
// smart-completion pass. Deterministic: equal inputs produce equal output.
func (r *Recoverer) Recover(modelText, taskText string) []schema.ToolCall {
	var calls []schema.ToolCall
	for _, rec := range r.recognizers {
		if got := rec.Recognize(modelText); len(got) > 0 {
			calls = got
			break
		}
	}

	if len(calls) == 0 {
		return nil
	}

	// Completion first so synthetic append calls also receive format intent.
	calls = r.completeOpenOnly(calls, taskText)
	calls = r.ensureSaved(calls)
	calls = r.applyFormatIntent(calls, taskText)
	return calls
}

// RecognizerNames lists the cascade order, mostly for diagnostics.
func (r *Recoverer) RecognizerNames() []string {
	names := make([]string, len(r.recognizers))
	for i, rec := range r.recognizers {
		names[i] = rec.Name()
	}
	return names
}
