package expressions

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/chatflow/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. Besides the
// language builtins (len, lower, upper, contains, startsWith, matches, in, ...)
// it registers the designer's helper library, see helperFunctions.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	now func() time.Time

	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// ExprOption configures an ExprEngine.
type ExprOption func(*ExprEngine)

// WithNow sets the time source used by time-relative helpers such as minutesSince.
func WithNow(now func() time.Time) ExprOption {
	return func(e *ExprEngine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine(opts ...ExprOption) *ExprEngine {
	e := &ExprEngine{
		now:   time.Now,
		cache: make(map[string]*vm.Program),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return DialectExpr
}

// Evaluate compiles (or retrieves from cache) an Expr expression and evaluates it
// against the provided data. Every key of data is a top-level variable.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// Compile checks that expression parses without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	opts := []expr.Option{
		expr.Env(map[string]any{"vars": map[string]any{}}),
		expr.AllowUndefinedVariables(),
	}
	opts = append(opts, helperFunctions(e.now)...)

	prg, err := expr.Compile(normalizeOperators(expression), opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// normalizeOperators rewrites strict equality operators, common in flows
// exported from the browser designer, to their expr equivalents.
func normalizeOperators(expression string) string {
	if !strings.Contains(expression, "==") {
		return expression
	}
	r := strings.NewReplacer("===", "==", "!==", "!=")
	return r.Replace(expression)
}

var _ Engine = (*ExprEngine)(nil)
