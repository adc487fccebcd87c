package expressions

import "context"

// Engine evaluates expressions against workflow data.
// Three implementations: Expr (condition nodes), CEL (edge guards),
// GoJQ (back-reference sub-queries).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
