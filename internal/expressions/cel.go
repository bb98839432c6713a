package expressions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/rendis/agentpipe/pkg/schema"
)

// CELEngine implements the Engine interface using Google's Common Expression Language.
// It evaluates step and connection conditions.
// Thread-safe: compiled programs are cached and reused across goroutines.
//
// Every top-level name of the evaluation data is declared as a dyn variable,
// so conditions may address step ids and config keys directly
// (`classify.score > 0.8`) as well as through the reserved names
// (`steps.classify.score`, `config.threshold`, `input.text`).
type CELEngine struct {
	mu    sync.RWMutex
	cache map[string]*celProgram
}

type celProgram struct {
	prg  cel.Program
	vars []string
}

// NewCELEngine creates a new CEL expression engine.
func NewCELEngine() (*CELEngine, error) {
	// Fail fast if the base environment cannot be built.
	if _, err := newCELEnv(ReservedNames); err != nil {
		return nil, err
	}
	return &CELEngine{cache: make(map[string]*celProgram)}, nil
}

func newCELEnv(names []string) (*cel.Env, error) {
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, n := range names {
		opts = append(opts, cel.Variable(n, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return env, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return EngineCEL
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against the provided data.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	p, err := e.getOrCompile(expression, variableNames(data))
	if err != nil {
		return nil, err
	}

	out, _, err := p.prg.ContextEval(ctx, buildActivation(p.vars, data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	if types.IsUnknownOrError(out) {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL evaluation of %q produced %v", expression, out)
	}
	return out.Value(), nil
}

// Check compiles expression with the given names declared.
func (e *CELEngine) Check(expression string, names []string) error {
	if strings.TrimSpace(expression) == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	_, err := e.compile(expression, mergeNames(ReservedNames, names))
	return err
}

// getOrCompile returns a cached program or compiles and caches a new one.
// A cached program is reused only if it was compiled with every name it needs;
// an undeclared reference fails compilation and is never cached.
func (e *CELEngine) getOrCompile(expression string, names []string) (*celProgram, error) {
	e.mu.RLock()
	if p, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return p, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if p, ok := e.cache[expression]; ok {
		return p, nil
	}

	p, err := e.compile(expression, mergeNames(ReservedNames, names))
	if err != nil {
		return nil, err
	}
	e.cache[expression] = p
	return p, nil
}

func (e *CELEngine) compile(expression string, names []string) (*celProgram, error) {
	env, err := newCELEnv(names)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeExpression)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return &celProgram{prg: prg, vars: names}, nil
}

// buildActivation binds every declared variable. Names absent from data are
// bound to null so references to them fail only when dereferenced.
func buildActivation(vars []string, data map[string]any) map[string]any {
	activation := make(map[string]any, len(vars))
	for _, name := range vars {
		if v, ok := data[name]; ok && v != nil {
			activation[name] = v
		} else {
			activation[name] = types.NullValue
		}
	}
	return activation
}

// variableNames returns the data keys usable as CEL identifiers.
func variableNames(data map[string]any) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		if isIdentifier(k) {
			names = append(names, k)
		}
	}
	return names
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, n := range list {
			if !seen[n] && isIdentifier(n) && !celReserved[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	sort.Strings(out)
	return out
}

// celReserved holds words CEL refuses as identifiers.
var celReserved = map[string]bool{
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"false": true, "for": true, "function": true, "if": true, "import": true,
	"in": true, "let": true, "loop": true, "package": true, "namespace": true,
	"null": true, "return": true, "true": true, "var": true, "void": true, "while": true,
}

// isIdentifier reports whether s is a valid expression identifier.
func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

var (
	_ Engine  = (*CELEngine)(nil)
	_ Checker = (*CELEngine)(nil)
)
