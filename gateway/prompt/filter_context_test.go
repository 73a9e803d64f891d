package prompt

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/katanemo/archgw/config"
	"github.com/katanemo/archgw/host"
	"github.com/katanemo/archgw/types"
)

type fakeFilterHost struct {
	dispatches []host.CallArgs
	nextToken  uint64
	tickPeriod time.Duration
}

func (f *fakeFilterHost) DispatchHTTPCall(args host.CallArgs) (uint64, error) {
	f.dispatches = append(f.dispatches, args)
	f.nextToken++
	return f.nextToken, nil
}

func (f *fakeFilterHost) SetTickPeriod(period time.Duration) { f.tickPeriod = period }

func bootstrapConfig(t *testing.T) *config.Configuration {
	t.Helper()
	cfg, err := config.Parse([]byte(`
version: v0.1
listener:
  address: 0.0.0.0
  port: 10000
  message_format: huggingface
llm_providers:
  - name: open-ai-gpt-4
    provider: openai
    access_key: secret_key
    model: gpt-4
    default: true
prompt_targets:
  - name: weather_forecast
    description: function to retrieve weather forecast
  - name: reboot_network_device
    description: reboot a network device
`))
	require.NoError(t, err)
	return cfg
}

func embeddingBody(t *testing.T, vector []float64) []byte {
	t.Helper()
	body, err := json.Marshal(types.CreateEmbeddingResponse{
		Model: types.DefaultEmbeddingModel,
		Data:  []types.Embedding{{Index: 0, Embedding: vector}},
	})
	require.NoError(t, err)
	return body
}

func TestBootstrapPublishesStoreWhenAllTargetsEmbedded(t *testing.T) {
	h := &fakeFilterHost{}
	filter, err := NewFilterContext(h, bootstrapConfig(t), testMetrics(), nil)
	require.NoError(t, err)

	filter.Start()
	assert.Equal(t, time.Second, h.tickPeriod)
	assert.False(t, filter.Ready())

	filter.OnTick()
	require.Len(t, h.dispatches, 2)
	for _, d := range h.dispatches {
		assert.Equal(t, "/embeddings", d.Path)
		assert.Equal(t, 60*time.Second, d.Timeout)
	}

	filter.OnCalloutResponse(host.CalloutResponse{TokenID: 1, Status: http.StatusOK, Body: embeddingBody(t, []float64{0.1, 0.2})})
	assert.False(t, filter.Ready())

	filter.OnCalloutResponse(host.CalloutResponse{TokenID: 2, Status: http.StatusOK, Body: embeddingBody(t, []float64{0.3, 0.4})})
	assert.True(t, filter.Ready())

	// Once published the tick disables itself.
	filter.OnTick()
	assert.Equal(t, time.Duration(0), h.tickPeriod)

	streamCfg := filter.StreamConfig()
	require.NotNil(t, streamCfg.EmbeddingStore)
	assert.Len(t, streamCfg.EmbeddingStore, 2)
	assert.InDelta(t, 0.6, streamCfg.Threshold, 1e-9)
}

func TestBootstrapRetriesFailedEmbeddings(t *testing.T) {
	h := &fakeFilterHost{}
	filter, err := NewFilterContext(h, bootstrapConfig(t), testMetrics(), nil)
	require.NoError(t, err)
	filter.Start()

	filter.OnTick()
	require.Len(t, h.dispatches, 2)

	// One call fails; the store stays unpublished.
	filter.OnCalloutResponse(host.CalloutResponse{TokenID: 1, Status: http.StatusOK, Body: embeddingBody(t, []float64{1})})
	filter.OnCalloutResponse(host.CalloutResponse{TokenID: 2, Status: http.StatusInternalServerError, Body: []byte("boom")})
	assert.False(t, filter.Ready())

	// The next tick re-issues only the missing target.
	filter.OnTick()
	require.Len(t, h.dispatches, 3)

	filter.OnCalloutResponse(host.CalloutResponse{TokenID: 3, Status: http.StatusOK, Body: embeddingBody(t, []float64{2})})
	assert.True(t, filter.Ready())
}

func TestBootstrapNoTargetsIsImmediatelyReady(t *testing.T) {
	cfg := bootstrapConfig(t)
	cfg.PromptTargets = nil
	h := &fakeFilterHost{}
	filter, err := NewFilterContext(h, cfg, testMetrics(), nil)
	require.NoError(t, err)
	assert.True(t, filter.Ready())
}

func TestBootstrapTickWhileCallsOutstandingDoesNotReissue(t *testing.T) {
	h := &fakeFilterHost{}
	filter, err := NewFilterContext(h, bootstrapConfig(t), testMetrics(), nil)
	require.NoError(t, err)
	filter.Start()

	filter.OnTick()
	require.Len(t, h.dispatches, 2)

	// Calls are in flight, so another tick must not double-dispatch.
	filter.OnTick()
	assert.Len(t, h.dispatches, 2)
}
