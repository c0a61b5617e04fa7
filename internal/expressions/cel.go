package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/rendis/chatflow/pkg/schema"
)

// CELEngine evaluates Common Expression Language conditions. Condition nodes
// opt into it with language "cel".
type CELEngine struct {
	env      *cel.Env
	programs sync.Map // source -> cel.Program
}

// NewCELEngine creates a CEL engine whose only variable is vars, a
// map(string, dyn) holding the conversation variables. Numbers of
// different types compare by value so answers parsed as int or double
// behave the same.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{env: env}, nil
}

func (e *CELEngine) Name() string { return DialectCEL }

// Evaluate binds data["vars"] to vars, or an empty map when it is absent.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	vars, _ := data["vars"].(map[string]any)
	if vars == nil {
		vars = map[string]any{}
	}

	out, _, err := prg.ContextEval(ctx, map[string]any{"vars": vars})
	if err != nil {
		return nil, celError("evaluation failed", expression, err)
	}
	return out.Value(), nil
}

// Compile checks that expression parses and type-checks without evaluating it.
func (e *CELEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	if prg, ok := e.programs.Load(expression); ok {
		return prg.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if err := issues.Err(); err != nil {
		return nil, celError("compile error", expression, err)
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, celError("program error", expression, err)
	}

	actual, _ := e.programs.LoadOrStore(expression, prg)
	return actual.(cel.Program), nil
}

func celError(what, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "CEL %s in %q: %s", what, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

var _ Engine = (*CELEngine)(nil)
