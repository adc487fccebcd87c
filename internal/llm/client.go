package llm

import (
	"context"
	"strings"

	"github.com/nodelab/conduct/pkg/schema"
)

// ModelClient is the narrow boundary to a language model. Executors build a
// prompt, call Ask, and hand the raw text to the recovery layer.
type ModelClient interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

// minResponseLength is the shortest model response accepted as usable output.
const minResponseLength = 2

// failureMarkers are substrings that indicate the model refused or failed
// even though the transport call succeeded.
var failureMarkers = []string{
	"i cannot",
	"i can't",
	"i'm unable",
	"i am unable",
	"as an ai",
	"error:",
}

// GuardResponse rejects responses that are empty, shorter than the minimum,
// or carry a known failure marker. There is no placeholder substitution: a
// bad response is a hard error and the node fails.
func GuardResponse(text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return schema.NewError(schema.ErrCodeModelCall, "model returned an empty response")
	}
	if len(trimmed) < minResponseLength {
		return schema.NewErrorf(schema.ErrCodeModelCall,
			"model response too short (%d chars)", len(trimmed))
	}

	lower := strings.ToLower(trimmed)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return schema.NewErrorf(schema.ErrCodeModelCall,
				"model response contains failure marker %q", marker).
				WithDetails(map[string]any{"marker": marker})
		}
	}
	return nil
}
