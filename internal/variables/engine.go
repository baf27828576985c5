package variables

import (
	"context"
	"strings"
)

// Engine evaluates expressions embedded in workflow payloads.
// Three implementations: Expr (default), CEL (cel: prefix), GoJQ (jq: prefix).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines routes an expression to the engine selected by its prefix.
type Engines struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewEngines builds the engine set. CEL environment construction can fail.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		expr: NewExprEngine(),
		cel:  celEngine,
		jq:   NewGoJQEngine(),
	}, nil
}

// Evaluate strips the engine prefix (cel: or jq:) and dispatches. Expressions
// without a prefix go to the Expr engine.
func (e *Engines) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	switch {
	case strings.HasPrefix(expression, "cel:"):
		return e.cel.Evaluate(ctx, strings.TrimSpace(expression[len("cel:"):]), data)
	case strings.HasPrefix(expression, "jq:"):
		return e.jq.Evaluate(ctx, strings.TrimSpace(expression[len("jq:"):]), data)
	default:
		return e.expr.Evaluate(ctx, expression, data)
	}
}
