package expressions

import (
	"context"
	"testing"

	"github.com/rendis/chatflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Conditions(t *testing.T) {
	ev := NewEvaluator()
	tests := []struct {
		name string
		expr string
		vars map[string]any
		want bool
	}{
		{"int compare", "vars.age >= 18", map[string]any{"age": 20}, true},
		{"double vs int literal", "vars.age >= 18", map[string]any{"age": 17.5}, false},
		{"string equality", `vars.country == "US"`, map[string]any{"country": "US"}, true},
		{"has macro", `has(vars.name)`, map[string]any{"name": "Ana"}, true},
		{"nested", `vars.user.tier == "gold"`, map[string]any{"user": map[string]any{"tier": "gold"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ev.Condition(context.Background(), "cel", tt.expr, tt.vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCEL_MissingKeyIsError(t *testing.T) {
	ev := NewEvaluator()
	got, err := ev.Condition(context.Background(), "CEL", "vars.age >= 18", map[string]any{})
	require.Error(t, err)
	assert.False(t, got)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}

func TestCEL_NonBoolean(t *testing.T) {
	ev := NewEvaluator()
	_, err := ev.Condition(context.Background(), "cel", "vars.age + 1", map[string]any{"age": 1})
	require.Error(t, err)
}

func TestCEL_CompileErrorCode(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "vars.age >=", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeExpression, schema.ErrorCode(err))
}
