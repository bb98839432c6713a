package expressions

import (
	"context"
	"strings"

	"github.com/rendis/agentpipe/pkg/schema"
)

// Engine evaluates expressions against an execution context.
// Two implementations serve conditions: CEL (default) and Expr.
// GoJQ backs computed data mappings.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker is implemented by engines that can validate an expression ahead of
// execution, given the top-level names that will be in scope.
type Checker interface {
	Check(expression string, names []string) error
}

// Engine names accepted by NewEngine.
const (
	EngineCEL  = "cel"
	EngineExpr = "expr"
)

// ReservedNames are the top-level context names that are always in scope.
var ReservedNames = []string{"config", "input", "steps", "status", "output", "outcome", "item", "index"}

// NewEngine builds the condition engine selected by name. An empty name means CEL.
func NewEngine(name string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", EngineCEL:
		return NewCELEngine()
	case EngineExpr:
		return NewExprEngine(), nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q; available: cel, expr", name)
	}
}
