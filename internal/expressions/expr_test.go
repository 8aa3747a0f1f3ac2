package expressions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/gridflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExprEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*ExprEngine)(nil)
}

func TestExpr_NumericComparison(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "left > right", map[string]any{"left": 5.0, "right": 3.0})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_StringComparison(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "left < right", map[string]any{"left": "apple", "right": "banana"})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_CacheKeyedByEnvShape(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, "left == right", map[string]any{"left": 1.0, "right": 1.0})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// Same expression, string operands: must not reuse the float program.
	out, err = e.Evaluate(ctx, "left == right", map[string]any{"left": "a", "right": "b"})
	require.NoError(t, err)
	assert.Equal(t, false, out)

	assert.Len(t, e.cache, 2)
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)

	var ge *schema.GridError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, schema.ErrCodeValidation, ge.Code)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "left >", map[string]any{"left": 1.0})
	require.Error(t, err)

	var ge *schema.GridError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, schema.ErrCodeFormula, ge.Code)
}

func TestExpr_Concurrent(t *testing.T) {
	e := NewExprEngine()

	var wg sync.WaitGroup
	errs := make([]error, 100)
	results := make([]any, 100)

	for i := range 100 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := map[string]any{"left": float64(idx), "right": 0.0}
			results[idx], errs[idx] = e.Evaluate(context.Background(), `left >= right`, data)
		}(i)
	}
	wg.Wait()

	for i := range 100 {
		assert.NoError(t, errs[i], "goroutine %d should not error", i)
		assert.Equal(t, true, results[i], "goroutine %d should return true", i)
	}
}
