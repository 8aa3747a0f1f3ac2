package expressions

import "context"

// Engine evaluates expressions against a row's data.
// Three implementations: Expr (formula comparisons), CEL (runIf row
// conditions) and GoJQ (result path extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
