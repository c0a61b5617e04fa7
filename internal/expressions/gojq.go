package expressions

import (
	"context"
	"strings"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/chatflow/pkg/schema"
)

// GoJQEngine evaluates jq programs. API nodes use it to reduce a response
// body to the part worth keeping in a variable. Compiled programs are shared
// between goroutines.
type GoJQEngine struct {
	programs sync.Map // source -> *gojq.Code
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs expression with the variable scope as its input.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		return e.Extract(ctx, expression, nil)
	}
	return e.Extract(ctx, expression, data)
}

// Extract runs a jq expression against an arbitrary JSON-shaped value.
// A single output is returned as is; several outputs are collected into a slice.
func (e *GoJQEngine) Extract(ctx context.Context, expression string, input any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq expression")
	}

	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	var out []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if err, failed := v.(error); failed {
			return nil, jqError("evaluation failed", expression, err)
		}
		out = append(out, v)
	}

	if len(out) == 1 {
		return out[0], nil
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Compile checks that expression parses.
func (e *GoJQEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

func (e *GoJQEngine) getOrCompile(expression string) (*gojq.Code, error) {
	if code, ok := e.programs.Load(expression); ok {
		return code.(*gojq.Code), nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, jqError("parse error", expression, err)
	}
	// Flows never see the process environment.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, jqError("compile error", expression, err)
	}

	actual, _ := e.programs.LoadOrStore(expression, code)
	return actual.(*gojq.Code), nil
}

func jqError(what, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "jq %s in %q: %s", what, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// jqValue converts decoded variables into the shapes gojq accepts. gojq only
// understands int, float64, big.Int and []any / map[string]any containers.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = jqValue(item)
		}
		return m
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = jqValue(item)
		}
		return list
	case []string:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = item
		}
		return list
	case int64:
		return int(val)
	case int32:
		return int(val)
	case uint:
		return int(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
