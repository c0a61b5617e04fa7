package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQ_Extract(t *testing.T) {
	e := NewGoJQEngine()
	body := map[string]any{
		"data": map[string]any{
			"items": []any{
				map[string]any{"id": 1.0, "name": "first"},
				map[string]any{"id": 2.0, "name": "second"},
			},
		},
	}

	t.Run("single output", func(t *testing.T) {
		out, err := e.Extract(context.Background(), ".data.items[0].name", body)
		require.NoError(t, err)
		assert.Equal(t, "first", out)
	})

	t.Run("multiple outputs", func(t *testing.T) {
		out, err := e.Extract(context.Background(), ".data.items[].id", body)
		require.NoError(t, err)
		assert.Equal(t, []any{1.0, 2.0}, out)
	})

	t.Run("no output", func(t *testing.T) {
		out, err := e.Extract(context.Background(), "empty", body)
		require.NoError(t, err)
		assert.Nil(t, out)
	})

	t.Run("array input", func(t *testing.T) {
		out, err := e.Extract(context.Background(), "length", []any{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, 2, out)
	})
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Extract(context.Background(), "", nil)
	require.Error(t, err)

	_, err = e.Extract(context.Background(), ".[", nil)
	require.Error(t, err)

	_, err = e.Extract(context.Background(), `error("boom")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestGoJQ_EnvironmentBlocked(t *testing.T) {
	t.Setenv("CHATFLOW_SECRET", "hunter2")
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV.CHATFLOW_SECRET", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_NormalizesNumbers(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": int64(41)})
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}
