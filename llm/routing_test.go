package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katanemo/archgw/config"
)

func TestParseProviderHint(t *testing.T) {
	assert.True(t, ParseProviderHint("default").Default)
	hint := ParseProviderHint("mistral-8b")
	assert.False(t, hint.Default)
	assert.Equal(t, "mistral-8b", hint.Name)
}

func TestSelectProviderDefaultHint(t *testing.T) {
	providers := testProviders(t)
	hint := ParseProviderHint("default")
	assert.Equal(t, "open-ai-gpt-4", SelectProvider(providers, &hint).Name)
}

func TestSelectProviderByName(t *testing.T) {
	providers := testProviders(t)
	hint := ParseProviderHint("mistral-8b")
	assert.Equal(t, "mistral-8b", SelectProvider(providers, &hint).Name)
}

func TestSelectProviderUnknownNameFallsBackToDefault(t *testing.T) {
	providers := testProviders(t)
	hint := ParseProviderHint("no-such-provider")
	assert.Equal(t, "open-ai-gpt-4", SelectProvider(providers, &hint).Name)
}

func TestSelectProviderNoHintUsesDefault(t *testing.T) {
	providers := testProviders(t)
	assert.Equal(t, "open-ai-gpt-4", SelectProvider(providers, nil).Name)
}

func TestSelectProviderDeterministicAcrossRuns(t *testing.T) {
	providers := testProviders(t)
	hint := ParseProviderHint("mistral-8b")
	for i := 0; i < 50; i++ {
		assert.Equal(t, "mistral-8b", SelectProvider(providers, &hint).Name)
	}
}

func TestSelectProviderRandomOnlyWithoutDefault(t *testing.T) {
	providers, err := NewProviders([]config.LlmProvider{
		{Name: "a", Provider: "openai", Model: "gpt-4"},
		{Name: "b", Provider: "mistral", Model: "ministral-8b-latest"},
	})
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		provider := SelectProvider(providers, nil)
		require.NotNil(t, provider)
		seen[provider.Name] = true
	}
	// Uniform choice over {a, b}; both show up and nothing else does.
	assert.Len(t, seen, 2)
}

func TestSelectProviderNeverNil(t *testing.T) {
	providers := testProviders(t)
	hints := []*ProviderHint{nil, {Default: true}, {Name: "missing"}, {Name: "mistral-8b"}}
	for _, hint := range hints {
		assert.NotNil(t, SelectProvider(providers, hint))
	}
}
