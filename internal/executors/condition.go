package executors

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nodelab/conduct/internal/expressions"
	"github.com/nodelab/conduct/pkg/schema"
)

// conditionRunner evaluates a boolean over two context-resolved operands.
// Two modes: the operator/operand form (a fixed comparison table over text
// or number operands), or a raw expression evaluated by the Expr engine when
// the node carries an "expression" parameter.
type conditionRunner struct {
	expr     *expressions.ExprEngine
	resolver *resolver
}

func (c *conditionRunner) Kind() schema.NodeKind { return schema.KindCondition }

func (c *conditionRunner) Run(ctx context.Context, node *schema.Node, scope *Scope) (any, error) {
	params, err := c.resolver.resolveParams(ctx, node.Params, scope)
	if err != nil {
		return nil, err
	}

	if exprStr, ok := params["expression"].(string); ok && exprStr != "" {
		return c.runExpression(ctx, node, exprStr, scope)
	}

	op, _ := params["operator"].(string)
	if op == "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"condition node needs an operator or an expression").WithNode(node.ID)
	}

	left := operand(params, "left", "a", "valueA")
	right := operand(params, "right", "b", "valueB")

	operandType, _ := params["type"].(string)
	if operandType == "" {
		operandType = "text"
	}

	result, err := compare(op, left, right, operandType)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %s: %s", node.ID, err.Error()).WithNode(node.ID)
	}
	return result, nil
}

func (c *conditionRunner) runExpression(ctx context.Context, node *schema.Node, exprStr string, scope *Scope) (any, error) {
	env := map[string]any{
		"nodes":  scope.snapshot(),
		"inputs": scope.Inputs,
	}
	out, err := c.expr.Evaluate(ctx, exprStr, env)
	if err != nil {
		return nil, err
	}
	b, ok := out.(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"condition expression %q produced %T, want bool", exprStr, out).WithNode(node.ID)
	}
	return b, nil
}

func operand(params map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := params[k]; ok {
			return v
		}
	}
	return nil
}

// compare applies one of the fixed comparison operators.
func compare(op string, left, right any, operandType string) (bool, error) {
	switch op {
	case "isEmpty":
		return isEmpty(left), nil
	case "isNotEmpty":
		return !isEmpty(left), nil
	}

	if operandType == "number" {
		l, err := toNumber(left)
		if err != nil {
			return false, fmt.Errorf("left operand: %w", err)
		}
		r, err := toNumber(right)
		if err != nil {
			return false, fmt.Errorf("right operand: %w", err)
		}
		switch op {
		case "equals":
			return l == r, nil
		case "notEquals":
			return l != r, nil
		case "greater":
			return l > r, nil
		case "less":
			return l < r, nil
		case "greaterEqual":
			return l >= r, nil
		case "lessEqual":
			return l <= r, nil
		default:
			return false, fmt.Errorf("operator %q not valid for numbers", op)
		}
	}

	l := toText(left)
	r := toText(right)
	switch op {
	case "equals":
		return l == r, nil
	case "notEquals":
		return l != r, nil
	case "greater":
		return l > r, nil
	case "less":
		return l < r, nil
	case "greaterEqual":
		return l >= r, nil
	case "lessEqual":
		return l <= r, nil
	case "contains":
		return strings.Contains(l, r), nil
	case "notContains":
		return !strings.Contains(l, r), nil
	case "startsWith":
		return strings.HasPrefix(l, r), nil
	case "endsWith":
		return strings.HasSuffix(l, r), nil
	default:
		return false, fmt.Errorf("unknown operator %q", op)
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func toNumber(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", val)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("operand is nil")
	default:
		return 0, fmt.Errorf("%T is not a number", v)
	}
}

func toText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprintf("%v", val)
	}
}
