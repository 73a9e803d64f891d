package embeddings

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 0, 0}, []float64{2, 0, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 2}, []float64{-1, -2}), 1e-9)

	// 45 degrees.
	got := CosineSimilarity([]float64{1, 0}, []float64{1, 1})
	assert.InDelta(t, math.Sqrt2/2, got, 1e-9)
}

func TestCosineSimilarityDegenerateInputs(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{1}, []float64{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float64{0, 0}, []float64{1, 2}))
}

func TestBuilderPublishesWhenComplete(t *testing.T) {
	builder := NewBuilder(2)

	_, ok := builder.Published()
	assert.False(t, ok)

	require.NoError(t, builder.Add("weather_forecast", KindDescription, []float64{0.1, 0.2}))
	_, ok = builder.Published()
	assert.False(t, ok)
	assert.Equal(t, 1, builder.Len())

	require.NoError(t, builder.Add("reboot_device", KindDescription, []float64{0.3, 0.4}))
	store, ok := builder.Published()
	require.True(t, ok)
	assert.Equal(t, 2, len(store))

	vector, ok := store.Get("weather_forecast", KindDescription)
	require.True(t, ok)
	assert.Equal(t, []float64{0.1, 0.2}, vector)

	_, ok = store.Get("weather_forecast", Kind("unknown"))
	assert.False(t, ok)
	_, ok = store.Get("missing", KindDescription)
	assert.False(t, ok)
}

func TestBuilderRejectsDuplicateInsertion(t *testing.T) {
	builder := NewBuilder(2)
	require.NoError(t, builder.Add("t", KindDescription, []float64{1}))
	err := builder.Add("t", KindDescription, []float64{2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestBuilderRejectsAddAfterPublish(t *testing.T) {
	builder := NewBuilder(1)
	require.NoError(t, builder.Add("t", KindDescription, []float64{1}))
	_, ok := builder.Published()
	require.True(t, ok)

	err := builder.Add("other", KindDescription, []float64{1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already published")
}

func TestBuilderHas(t *testing.T) {
	builder := NewBuilder(2)
	assert.False(t, builder.Has("t", KindDescription))
	require.NoError(t, builder.Add("t", KindDescription, []float64{1}))
	assert.True(t, builder.Has("t", KindDescription))
	assert.False(t, builder.Has("other", KindDescription))
}
