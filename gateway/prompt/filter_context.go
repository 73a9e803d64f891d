package prompt

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/katanemo/archgw/config"
	"github.com/katanemo/archgw/embeddings"
	"github.com/katanemo/archgw/host"
	"github.com/katanemo/archgw/internal/metrics"
	"github.com/katanemo/archgw/types"
)

// bootstrapTickPeriod drives embedding-call retries until the store is
// published.
const bootstrapTickPeriod = time.Second

// filterCallContext correlates one bootstrap embedding call with the target
// it embeds.
type filterCallContext struct {
	promptTargetName string
	kind             embeddings.Kind
}

// FilterContext is the prompt-gateway root: it owns the shared configuration
// and bootstraps the embedding store before any stream is served.
type FilterContext struct {
	host    host.FilterHost
	logger  *zap.Logger
	metrics *metrics.Metrics

	systemPrompt  *string
	promptTargets map[string]config.PromptTarget
	promptGuards  *config.PromptGuards
	threshold     float64

	callouts             *host.Callouts[filterCallContext]
	builder              *embeddings.Builder
	activeEmbeddingCalls int
}

// NewFilterContext builds the root context from configuration.
func NewFilterContext(h host.FilterHost, cfg *config.Configuration, m *metrics.Metrics, logger *zap.Logger) (*FilterContext, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	targets, err := cfg.PromptTargetMap()
	if err != nil {
		return nil, err
	}
	return &FilterContext{
		host:          h,
		logger:        logger.With(zap.String("component", "prompt_gateway_filter")),
		metrics:       m,
		systemPrompt:  cfg.SystemPrompt,
		promptTargets: targets,
		promptGuards:  cfg.PromptGuards,
		threshold:     cfg.IntentMatchingThreshold(defaultPromptTargetThreshold),
		callouts:      host.NewCallouts[filterCallContext](m.ActiveHTTPCalls),
		builder:       embeddings.NewBuilder(len(targets)),
	}, nil
}

// Start schedules the bootstrap tick.
func (f *FilterContext) Start() {
	f.host.SetTickPeriod(bootstrapTickPeriod)
}

// Ready reports whether the embedding store has been published. No stream may
// be served before then.
func (f *FilterContext) Ready() bool {
	if len(f.promptTargets) == 0 {
		return true
	}
	_, ok := f.builder.Published()
	return ok
}

// OnTick re-issues embedding calls until the store is complete, then stops
// ticking.
func (f *FilterContext) OnTick() {
	if f.Ready() {
		f.logger.Info("all embeddings have been fetched, disabling tick")
		f.host.SetTickPeriod(0)
		return
	}
	f.logger.Info("waiting for embeddings to be fetched")
	if f.activeEmbeddingCalls == 0 {
		f.logger.Info("no embedding calls outstanding and store incomplete, retrying")
		f.processPromptTargets()
	}
}

// processPromptTargets schedules one description-embedding call per target.
func (f *FilterContext) processPromptTargets() {
	for name, target := range f.promptTargets {
		if f.builder.Has(name, embeddings.KindDescription) {
			continue
		}
		f.scheduleEmbeddingsCall(name, target.Description, embeddings.KindDescription)
	}
}

func (f *FilterContext) scheduleEmbeddingsCall(targetName, input string, kind embeddings.Kind) {
	request := types.CreateEmbeddingRequest{
		Input: input,
		Model: types.DefaultEmbeddingModel,
	}
	body, err := json.Marshal(request)
	if err != nil {
		f.logger.Error("failed to serialize embedding request", zap.Error(err))
		return
	}

	args := modelServerCall("/embeddings", body, embeddingsCallTimeout)
	token, err := f.host.DispatchHTTPCall(args)
	if err != nil {
		f.logger.Error("failed to dispatch embedding call",
			zap.String("target", targetName), zap.Error(err))
		return
	}
	f.activeEmbeddingCalls++
	f.callouts.Insert(token, filterCallContext{promptTargetName: targetName, kind: kind})
}

// OnCalloutResponse stores a fetched embedding. Non-2xx responses are logged
// and retried on a later tick.
func (f *FilterContext) OnCalloutResponse(resp host.CalloutResponse) {
	ctx, ok := f.callouts.Remove(resp.TokenID)
	if !ok {
		f.logger.Error("embedding response with invalid token id", zap.Uint64("token_id", resp.TokenID))
		return
	}
	f.activeEmbeddingCalls--

	if resp.Status < 200 || resp.Status >= 300 {
		f.logger.Warn("embedding call answered with non 2xx status",
			zap.Int("status", resp.Status),
			zap.String("target", ctx.promptTargetName),
			zap.ByteString("body", resp.Body))
		return
	}

	var response types.CreateEmbeddingResponse
	if err := json.Unmarshal(resp.Body, &response); err != nil {
		f.logger.Error("failed to deserialize embedding response",
			zap.String("target", ctx.promptTargetName), zap.Error(err))
		return
	}
	if len(response.Data) == 0 {
		f.logger.Warn("embedding response carried no vectors", zap.String("target", ctx.promptTargetName))
		return
	}

	if _, ok := f.promptTargets[ctx.promptTargetName]; !ok {
		f.logger.Error("embedding response for unknown prompt target",
			zap.String("target", ctx.promptTargetName))
		return
	}

	if err := f.builder.Add(ctx.promptTargetName, ctx.kind, response.Data[0].Embedding); err != nil {
		f.logger.Error("failed to store embedding", zap.Error(err))
		return
	}
	f.logger.Debug("stored embedding",
		zap.String("target", ctx.promptTargetName),
		zap.String("kind", string(ctx.kind)),
		zap.Int("have", f.builder.Len()),
		zap.Int("want", len(f.promptTargets)))
}

// StreamConfig snapshots the shared state a new stream context needs. It must
// only be called once Ready reports true.
func (f *FilterContext) StreamConfig() StreamConfig {
	store, _ := f.builder.Published()
	return StreamConfig{
		SystemPrompt:   f.systemPrompt,
		PromptTargets:  f.promptTargets,
		PromptGuards:   f.promptGuards,
		Threshold:      f.threshold,
		EmbeddingStore: store,
	}
}
