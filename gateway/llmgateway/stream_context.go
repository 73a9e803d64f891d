// Package llmgateway implements the llm-gateway pipeline: pick an upstream
// provider, rewrite auth and model, enforce token rate limits, and compute
// streaming observability while the response passes through.
package llmgateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/katanemo/archgw/config"
	"github.com/katanemo/archgw/host"
	"github.com/katanemo/archgw/internal/metrics"
	"github.com/katanemo/archgw/llm"
	"github.com/katanemo/archgw/ratelimit"
	"github.com/katanemo/archgw/tokenizer"
	"github.com/katanemo/archgw/types"
)

// StreamContext drives one HTTP stream through the llm-gateway pipeline.
type StreamContext struct {
	host    host.StreamHost
	logger  *zap.Logger
	metrics *metrics.Metrics

	providers  *llm.Providers
	ratelimits *ratelimit.Engine

	provider                 *config.LlmProvider
	ratelimitSelector        *ratelimit.Header
	streamingResponse        bool
	responseTokens           int
	isChatCompletionsRequest bool
	requestID                string

	startTime           time.Time
	ttftRecorded        bool
	firstTokenProcessed bool
	lastTokenTime       time.Time

	now         func() time.Time
	countTokens func(model, text string) (int, error)
}

// NewStreamContext creates the context for one stream.
func NewStreamContext(h host.StreamHost, providers *llm.Providers, limits *ratelimit.Engine, m *metrics.Metrics, logger *zap.Logger) *StreamContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamContext{
		host:       h,
		logger:     logger.With(zap.String("component", "llm_gateway")),
		metrics:    m,
		providers:   providers,
		ratelimits:  limits,
		now:         time.Now,
		countTokens: tokenizer.TokenCount,
	}
}

// OnRequestHeaders selects the provider, rewrites routing and auth headers,
// and captures the rate-limit selector.
func (s *StreamContext) OnRequestHeaders() host.Action {
	s.selectProvider()
	s.host.AddRequestHeader(types.ArchRoutingHeader, s.provider.Name)

	if s.provider.AccessKey == "" {
		s.sendError(types.NewBadRequest(fmt.Sprintf(
			"no access key configured for selected llm provider %q", s.provider.Name)))
		return host.ActionPause
	}
	s.host.SetRequestHeader("Authorization", "Bearer "+s.provider.AccessKey)
	s.host.RemoveRequestHeader("content-length")
	s.saveRatelimitSelector()

	s.isChatCompletionsRequest = s.host.RequestHeader(":path") == types.ChatCompletionsPath
	s.requestID = s.host.RequestHeader(types.RequestIDHeader)
	s.startTime = s.now()
	s.ttftRecorded = false

	return host.ActionContinue
}

func (s *StreamContext) selectProvider() {
	var hint *llm.ProviderHint
	if value := s.host.RequestHeader(types.ArchProviderHintHeader); value != "" {
		parsed := llm.ParseProviderHint(value)
		hint = &parsed
	}
	s.provider = llm.SelectProvider(s.providers, hint)
	s.logger.Debug("selected llm provider", zap.String("provider", s.provider.Name))
}

func (s *StreamContext) saveRatelimitSelector() {
	key := s.host.RequestHeader(types.RatelimitSelectorHeader)
	if key == "" {
		return
	}
	value := s.host.RequestHeader(key)
	if value == "" {
		return
	}
	s.ratelimitSelector = &ratelimit.Header{Key: key, Value: value}
}

// OnRequestBody canonicalizes the request for the selected provider and
// enforces token rate limits on the serialized form.
func (s *StreamContext) OnRequestBody(body []byte, endOfStream bool) host.Action {
	if !endOfStream {
		return host.ActionPause
	}
	if len(body) == 0 {
		return host.ActionContinue
	}

	var request types.ChatCompletionsRequest
	if err := json.Unmarshal(body, &request); err != nil {
		s.sendError(types.NewDeserialization(err).WithStatus(http.StatusBadRequest))
		return host.ActionPause
	}

	// The state blob and per-message model tags are gateway-internal; the
	// provider never sees them.
	request.Metadata = nil
	for i := range request.Messages {
		request.Messages[i].Model = ""
	}
	request.Model = s.provider.Model

	s.streamingResponse = request.Stream
	if request.Stream && request.StreamOptions == nil {
		request.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}

	canonical, err := json.Marshal(&request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return host.ActionPause
	}

	if err := s.enforceRatelimits(request.Model, string(canonical)); err != nil {
		s.metrics.RatelimitedRq.Inc()
		s.sendError(err)
		return host.ActionPause
	}

	s.host.SetRequestBody(canonical)
	return host.ActionContinue
}

func (s *StreamContext) enforceRatelimits(model, body string) *types.GatewayError {
	tokenCount, err := s.countTokens(model, body)
	if err != nil {
		s.logger.Debug("could not count request tokens", zap.String("model", model), zap.Error(err))
		tokenCount = 0
	}
	s.metrics.InputSequenceLength.Observe(float64(tokenCount))

	selector := s.ratelimitSelector
	if selector == nil {
		s.logger.Debug("no rate limit selector on request", zap.String("model", model))
		return nil
	}
	s.ratelimitSelector = nil

	if err := s.ratelimits.Check(model, *selector, tokenCount); err != nil {
		s.logger.Debug("rate limit check failed", zap.String("model", model), zap.Error(err))
		return types.NewRatelimited(model, selector.Key, selector.Value, tokenCount)
	}
	return nil
}

// OnResponseHeaders is a passthrough; the llm gateway does not touch
// response headers.
func (s *StreamContext) OnResponseHeaders() host.Action {
	return host.ActionContinue
}

// OnResponseBody accounts tokens and timing while the response streams back.
func (s *StreamContext) OnResponseBody(body []byte, endOfStream bool) host.Action {
	if !s.isChatCompletionsRequest {
		return host.ActionContinue
	}

	if s.streamingResponse {
		s.observeStreamingChunk(body, endOfStream)
		return host.ActionContinue
	}

	if !endOfStream {
		return host.ActionPause
	}

	var response types.ChatCompletionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		s.logger.Debug("invalid non-streaming response", zap.Error(err))
		return host.ActionContinue
	}
	if response.Usage != nil {
		s.responseTokens += response.Usage.CompletionTokens
	}
	return host.ActionContinue
}

func (s *StreamContext) observeStreamingChunk(body []byte, endOfStream bool) {
	if endOfStream && len(body) == 0 {
		// Streams terminate with an empty end-of-stream frame; close out the
		// per-request observations.
		if !s.startTime.IsZero() {
			metrics.RecordLatency(s.metrics.RequestLatency, s.now().Sub(s.startTime))
		}
		s.metrics.OutputSequenceLength.Observe(float64(s.responseTokens))
		return
	}

	events, err := types.ParseStreamEvents(string(body))
	if err != nil {
		s.logger.Debug("unparseable streaming chunk, skipping", zap.Error(err))
		return
	}
	if len(events.Events) == 0 {
		return
	}

	model := tokenizer.RemapModel(events.FirstModel())
	tokens := events.JoinContent()
	tokenCount, err := s.countTokens(model, tokens)
	if err != nil {
		s.logger.Debug("could not count response tokens", zap.String("model", model), zap.Error(err))
		return
	}
	s.responseTokens += tokenCount
	if tokenCount == 0 {
		return
	}

	now := s.now()
	if !s.ttftRecorded {
		if !s.startTime.IsZero() {
			metrics.RecordLatency(s.metrics.TimeToFirstToken, now.Sub(s.startTime))
		}
		s.ttftRecorded = true
	}

	if !s.firstTokenProcessed {
		s.firstTokenProcessed = true
		s.lastTokenTime = now
		return
	}
	if !s.lastTokenTime.IsZero() {
		perToken := now.Sub(s.lastTokenTime) / time.Duration(tokenCount)
		metrics.RecordLatency(s.metrics.TimePerOutputToken, perToken)
	}
	s.lastTokenTime = now
}

// OnCalloutResponse is unused: the llm gateway issues no outbound callouts.
func (s *StreamContext) OnCalloutResponse(resp host.CalloutResponse) {
	s.logger.Error("unexpected callout response", zap.Uint64("token_id", resp.TokenID))
}

func (s *StreamContext) sendError(err *types.GatewayError) {
	s.logger.Debug("terminating stream with local error", zap.Error(err))
	s.host.SendLocalReply(err.Status(), nil, []byte(err.Error()))
}
