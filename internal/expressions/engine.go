package expressions

import "context"

// Engine evaluates expressions against a data environment.
// Three implementations: Expr (default condition dialect), CEL (alternate
// condition dialect), GoJQ (response extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Dialect names accepted on condition nodes.
const (
	DialectExpr = "expr"
	DialectCEL  = "cel"
)
