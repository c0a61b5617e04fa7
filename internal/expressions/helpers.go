package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// helperFunctions returns the helper library available to condition
// expressions in the expr dialect:
//
//	includes(text, part)   substring test on stringified values
//	inList(x, list)        membership with loose equality
//	toLower(s), toUpper(s)
//	num(x)                 numeric coercion, NaN when not a number
//	minutesSince(iso)      whole minutes elapsed since an RFC 3339 timestamp
//	isDefined(x)           x is neither nil nor an empty string
//	lookup(m, path)        dotted-path lookup, nil when missing
//
// len, startsWith, endsWith and matches are expr builtins/operators.
func helperFunctions(now func() time.Time) []expr.Option {
	return []expr.Option{
		expr.Function("includes", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("includes expects 2 arguments, got %d", len(params))
			}
			return strings.Contains(Stringify(params[0]), Stringify(params[1])), nil
		}),
		expr.Function("inList", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("inList expects 2 arguments, got %d", len(params))
			}
			return inList(params[0], params[1]), nil
		}),
		expr.Function("toLower", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("toLower expects 1 argument, got %d", len(params))
			}
			return strings.ToLower(Stringify(params[0])), nil
		}),
		expr.Function("toUpper", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("toUpper expects 1 argument, got %d", len(params))
			}
			return strings.ToUpper(Stringify(params[0])), nil
		}),
		expr.Function("num", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("num expects 1 argument, got %d", len(params))
			}
			return toNumber(params[0]), nil
		}),
		expr.Function("minutesSince", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("minutesSince expects 1 argument, got %d", len(params))
			}
			then, err := time.Parse(time.RFC3339, Stringify(params[0]))
			if err != nil {
				return math.NaN(), nil
			}
			return math.Floor(now().Sub(then).Minutes()), nil
		}),
		expr.Function("isDefined", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, fmt.Errorf("isDefined expects 1 argument, got %d", len(params))
			}
			return params[0] != nil && params[0] != "", nil
		}),
		expr.Function("lookup", func(params ...any) (any, error) {
			if len(params) != 2 {
				return nil, fmt.Errorf("lookup expects 2 arguments, got %d", len(params))
			}
			m, _ := params[0].(map[string]any)
			val, _ := Lookup(m, Stringify(params[1]))
			return val, nil
		}),
	}
}

func inList(x, list any) bool {
	rv := reflect.ValueOf(list)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < rv.Len(); i++ {
		if looseEqual(x, rv.Index(i).Interface()) {
			return true
		}
	}
	return false
}

// looseEqual compares numbers by value and everything else by string form.
func looseEqual(a, b any) bool {
	fa, aok := numeric(a)
	fb, bok := numeric(b)
	if aok && bok {
		return fa == fb
	}
	return Stringify(a) == Stringify(b)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toNumber(v any) float64 {
	if f, ok := numeric(v); ok {
		return f
	}
	switch s := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case bool:
		if s {
			return 1
		}
		return 0
	}
	return math.NaN()
}
