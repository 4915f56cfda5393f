package expressions

import "context"

// Engine evaluates expressions against a working-memory view.
// Three implementations: Expr (default for expression conditions),
// CEL (opt-in via condition engine tag), GoJQ (fact extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
