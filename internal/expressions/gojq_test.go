package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*GoJQEngine)(nil)
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"name": "gridflow", "tags": []any{"a", "b"}}

	out, err := e.Evaluate(context.Background(), ".name", data)
	require.NoError(t, err)
	assert.Equal(t, "gridflow", out)

	out, err = e.Evaluate(context.Background(), ".tags[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_ExtractDottedPath(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	result := map[string]any{
		"company": map[string]any{"domain": "acme.com", "size": 120},
		"emails":  []any{"a@acme.com", "b@acme.com"},
	}

	v, ok := e.Extract(ctx, result, "company.domain")
	require.True(t, ok)
	assert.Equal(t, "acme.com", v)

	v, ok = e.Extract(ctx, result, "emails.1")
	require.True(t, ok)
	assert.Equal(t, "b@acme.com", v)

	v, ok = e.Extract(ctx, result, "company.size")
	require.True(t, ok)
	assert.Equal(t, 120, v)
}

func TestGoJQ_ExtractMissingPath(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	result := map[string]any{"company": map[string]any{"domain": "acme.com"}}

	_, ok := e.Extract(ctx, result, "company.phone")
	assert.False(t, ok)

	// Indexing a string is an error, reported as missing.
	_, ok = e.Extract(ctx, result, "company.domain.x")
	assert.False(t, ok)

	_, ok = e.Extract(ctx, result, "")
	assert.False(t, ok)

	_, ok = e.Extract(ctx, nil, "a")
	assert.False(t, ok)
}

func TestGoJQ_ExtractJQFilter(t *testing.T) {
	e := NewGoJQEngine()
	result := map[string]any{"people": []any{
		map[string]any{"name": "Ada", "role": "cto"},
		map[string]any{"name": "Lin", "role": "ceo"},
	}}

	v, ok := e.Extract(context.Background(), result, `.people[] | select(.role == "ceo") | .name`)
	require.True(t, ok)
	assert.Equal(t, "Lin", v)
}

func TestGoJQ_ExtractStringMap(t *testing.T) {
	e := NewGoJQEngine()

	v, ok := e.Extract(context.Background(), map[string]string{"title": "CEO"}, "title")
	require.True(t, ok)
	assert.Equal(t, "CEO", v)
}

func TestDottedPath(t *testing.T) {
	assert.Equal(t, []any{"a", 0, "b"}, dottedPath("a.0.b"))
	assert.Equal(t, []any{"a", "b"}, dottedPath("a..b"))
}

func TestGoJQ_Concurrent(t *testing.T) {
	e := NewGoJQEngine()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, ok := e.Extract(context.Background(), map[string]any{"n": idx}, "n")
			assert.True(t, ok)
			assert.Equal(t, idx, v)
		}(i)
	}
	wg.Wait()
}
