package host

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingGauge struct{ value int }

func (g *countingGauge) Inc() { g.value++ }
func (g *countingGauge) Dec() { g.value-- }

func TestCalloutsInsertRemove(t *testing.T) {
	gauge := &countingGauge{}
	callouts := NewCallouts[string](gauge)

	callouts.Insert(1, "first")
	callouts.Insert(2, "second")
	assert.Equal(t, 2, callouts.Len())
	assert.Equal(t, 2, gauge.value)

	ctx, ok := callouts.Remove(1)
	require.True(t, ok)
	assert.Equal(t, "first", ctx)
	assert.Equal(t, 1, callouts.Len())
	assert.Equal(t, 1, gauge.value)

	_, ok = callouts.Remove(1)
	assert.False(t, ok)
	assert.Equal(t, 1, gauge.value)
}

func TestCalloutsDuplicateTokenPanics(t *testing.T) {
	callouts := NewCallouts[int](nil)
	callouts.Insert(7, 1)
	assert.Panics(t, func() { callouts.Insert(7, 2) })
}

func TestCalloutsNilGauge(t *testing.T) {
	callouts := NewCallouts[int](nil)
	callouts.Insert(1, 10)
	ctx, ok := callouts.Remove(1)
	require.True(t, ok)
	assert.Equal(t, 10, ctx)
}
