package expressions

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/rendis/chatflow/pkg/schema"
)

// Evaluator routes condition expressions to the engine of their dialect and
// owns the jq engine used for response extraction. Safe for concurrent use.
type Evaluator struct {
	expr *ExprEngine
	jq   *GoJQEngine

	celOnce sync.Once
	cel     *CELEngine
	celErr  error
}

// NewEvaluator creates an Evaluator. Options apply to the expr engine.
func NewEvaluator(opts ...ExprOption) *Evaluator {
	return &Evaluator{
		expr: NewExprEngine(opts...),
		jq:   NewGoJQEngine(),
	}
}

func (ev *Evaluator) celEngine() (*CELEngine, error) {
	ev.celOnce.Do(func() {
		ev.cel, ev.celErr = NewCELEngine()
	})
	return ev.cel, ev.celErr
}

func (ev *Evaluator) engineFor(language string) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", DialectExpr:
		return ev.expr, nil
	case DialectCEL:
		return ev.celEngine()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "unknown expression language %q", language)
	}
}

// Condition evaluates expression with vars bound as "vars". The result must be
// a boolean; errors and non-boolean results are returned as errors.
func (ev *Evaluator) Condition(ctx context.Context, language, expression string, vars map[string]any) (bool, error) {
	eng, err := ev.engineFor(language)
	if err != nil {
		return false, err
	}
	if vars == nil {
		vars = map[string]any{}
	}
	out, err := eng.Evaluate(ctx, expression, map[string]any{"vars": vars})
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"expression %q produced %T, not a boolean", expression, out)
	}
	return b, nil
}

// Check compiles expression in the given dialect without evaluating it.
func (ev *Evaluator) Check(language, expression string) error {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "", DialectExpr:
		return ev.expr.Compile(expression)
	case DialectCEL:
		eng, err := ev.celEngine()
		if err != nil {
			return err
		}
		return eng.Compile(expression)
	case "jq":
		return ev.jq.Compile(expression)
	default:
		return schema.NewErrorf(schema.ErrCodeExpression, "unknown expression language %q", language)
	}
}

// Extract applies a jq expression to input.
func (ev *Evaluator) Extract(ctx context.Context, expression string, input any) (any, error) {
	return ev.jq.Extract(ctx, expression, input)
}

var defaultEvaluator = NewEvaluator()

// EvalCondition evaluates an expr-dialect condition. Any failure, including a
// non-boolean result, yields false.
func EvalCondition(expression string, vars map[string]any) bool {
	ok, err := defaultEvaluator.Condition(context.Background(), DialectExpr, expression, vars)
	return err == nil && ok
}

// BuildGroupExpression converts designer condition groups into an expr-dialect
// expression. Conditions inside a group are joined by the group type ("and"
// or "or"); groups are OR-ed together. An empty result means no usable
// conditions were given.
func BuildGroupExpression(groups []schema.ConditionGroup) string {
	var parts []string
	for _, g := range groups {
		var conds []string
		for _, c := range g.Conditions {
			if term := conditionTerm(c); term != "" {
				conds = append(conds, term)
			}
		}
		if len(conds) == 0 {
			continue
		}
		join := " && "
		if strings.EqualFold(g.Type, "or") {
			join = " || "
		}
		parts = append(parts, "("+strings.Join(conds, join)+")")
	}
	return strings.Join(parts, " || ")
}

func conditionTerm(c schema.Condition) string {
	if strings.TrimSpace(c.Variable) == "" {
		return ""
	}
	v := "lookup(vars, " + strconv.Quote(strings.TrimSpace(c.Variable)) + ")"
	lit := strconv.Quote(c.Value)

	switch c.Operator {
	case schema.OpEqualTo:
		return "inList(" + v + ", [" + lit + "])"
	case schema.OpNotEqualTo:
		return "!inList(" + v + ", [" + lit + "])"
	case schema.OpGreaterThan:
		return "num(" + v + ") > num(" + lit + ")"
	case schema.OpLessThan:
		return "num(" + v + ") < num(" + lit + ")"
	case schema.OpContains:
		return "includes(" + v + ", " + lit + ")"
	case schema.OpStartsWith:
		return "string(" + v + " ?? \"\") startsWith " + lit
	case schema.OpEndsWith:
		return "string(" + v + " ?? \"\") endsWith " + lit
	case schema.OpIsDefined:
		return "isDefined(" + v + ")"
	case schema.OpIsNotDefined:
		return "!isDefined(" + v + ")"
	default:
		return ""
	}
}
