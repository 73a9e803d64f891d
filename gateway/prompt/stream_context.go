// Package prompt implements the prompt-gateway pipeline: guard the last user
// turn, match it against the prompt-target catalog, resolve a function call,
// invoke the bound application endpoint, and rewrite the conversation so the
// upstream LLM sees the API result as grounding context.
package prompt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/katanemo/archgw/config"
	"github.com/katanemo/archgw/embeddings"
	"github.com/katanemo/archgw/host"
	"github.com/katanemo/archgw/internal/metrics"
	"github.com/katanemo/archgw/types"
)

// Pipeline weighting and thresholds.
const (
	defaultPromptTargetThreshold  = 0.6
	intentScoreWeight             = 0.7
	descriptionSimilarityWeight   = 0.3
	defaultHallucinationThreshold = 0.5
)

const defaultJailbreakMessage = "refrain from discussing jailbreaking."

// Callout deadlines. Embedding lookups get the long deadline; everything else
// answers fast or not at all.
const (
	embeddingsCallTimeout = 60 * time.Second
	sidecarCallTimeout    = 5 * time.Second
)

type responseHandlerKind int

const (
	handlerArchGuard responseHandlerKind = iota
	handlerGetEmbeddings
	handlerZeroShotIntent
	handlerFunctionResolver
	handlerHallucinationDetect
	handlerFunctionCall
	handlerDefaultTarget
)

func (k responseHandlerKind) String() string {
	switch k {
	case handlerArchGuard:
		return "arch_guard"
	case handlerGetEmbeddings:
		return "get_embeddings"
	case handlerZeroShotIntent:
		return "zero_shot_intent"
	case handlerFunctionResolver:
		return "function_resolver"
	case handlerHallucinationDetect:
		return "hallucination_detect"
	case handlerFunctionCall:
		return "function_call"
	case handlerDefaultTarget:
		return "default_target"
	default:
		return "unknown"
	}
}

// callContext is the per-callout record: which handler resumes the stream
// and everything that handler needs.
type callContext struct {
	handler          responseHandlerKind
	userMessage      string
	promptTargetName string
	requestBody      types.ChatCompletionsRequest
	toolCalls        []types.ToolCall
	similarityScores map[string]float64
	upstreamCluster  string
	upstreamPath     string
}

// StreamConfig is the shared, read-only state every stream context gets from
// its filter context.
type StreamConfig struct {
	SystemPrompt   *string
	PromptTargets  map[string]config.PromptTarget
	PromptGuards   *config.PromptGuards
	Threshold      float64
	EmbeddingStore embeddings.Store
}

// StreamContext drives one HTTP stream through the prompt-gateway pipeline.
// It is event-driven: every outbound callout pauses the stream and records
// the handler that will resume it.
type StreamContext struct {
	host    host.StreamHost
	logger  *zap.Logger
	metrics *metrics.Metrics
	cfg     StreamConfig

	callouts *host.Callouts[callContext]

	toolCalls                []types.ToolCall
	toolCallResponse         string
	archState                []types.ArchState
	streamingResponse        bool
	userPrompt               *types.Message
	responseTokens           int
	isChatCompletionsRequest bool
	chatCompletionsRequest   *types.ChatCompletionsRequest
	requestID                string
	traceparent              string
}

// NewStreamContext creates the context for one stream.
func NewStreamContext(h host.StreamHost, cfg StreamConfig, m *metrics.Metrics, logger *zap.Logger) *StreamContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = defaultPromptTargetThreshold
	}
	return &StreamContext{
		host:     h,
		logger:   logger.With(zap.String("component", "prompt_gateway")),
		metrics:  m,
		cfg:      cfg,
		callouts: host.NewCallouts[callContext](m.ActiveHTTPCalls),
	}
}

// PendingCallouts reports in-flight callouts; the table must be empty when
// the stream terminates.
func (s *StreamContext) PendingCallouts() int { return s.callouts.Len() }

// OnRequestHeaders captures routing inputs and strips content-length, since
// later body rewrites would invalidate it.
func (s *StreamContext) OnRequestHeaders() host.Action {
	s.host.RemoveRequestHeader("content-length")
	s.isChatCompletionsRequest = s.host.RequestHeader(":path") == types.ChatCompletionsPath
	s.requestID = s.host.RequestHeader(types.RequestIDHeader)
	s.traceparent = s.host.RequestHeader(types.TraceparentHeader)
	return host.ActionContinue
}

// OnRequestBody decodes the request once fully buffered and enters the
// pipeline: guard first when configured, else straight to embeddings.
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
	s.isChatCompletionsRequest = true

	state, err := types.ParseArchState(request.Metadata)
	if err != nil {
		s.sendError(types.NewDeserialization(err).WithStatus(http.StatusBadRequest))
		return host.ActionPause
	}
	s.archState = state

	s.streamingResponse = request.Stream
	if request.Stream && request.StreamOptions == nil {
		request.StreamOptions = &types.StreamOptions{IncludeUsage: true}
	}

	lastUser, ok := request.LastUserMessage()
	if !ok {
		s.logger.Warn("no user messages in request body")
		return host.ActionContinue
	}
	s.userPrompt = &lastUser
	s.chatCompletionsRequest = &request

	ctx := callContext{
		userMessage: lastUser.ContentOrEmpty(),
		requestBody: request,
	}

	if !s.cfg.PromptGuards.JailbreakEnabled() {
		s.logger.Debug("jailbreak guard not configured, fetching embeddings directly")
		s.dispatchEmbeddings(ctx)
		return host.ActionPause
	}

	s.dispatchGuard(ctx)
	return host.ActionPause
}

// OnResponseHeaders strips content-length so later response-body rewrites
// stay valid.
func (s *StreamContext) OnResponseHeaders() host.Action {
	s.host.RemoveResponseHeader("content-length")
	return host.ActionContinue
}

// OnResponseBody injects the conversation state into non-streaming responses
// whose turn resolved a tool call.
func (s *StreamContext) OnResponseBody(body []byte, endOfStream bool) host.Action {
	if !s.isChatCompletionsRequest {
		return host.ActionContinue
	}
	if !endOfStream {
		return host.ActionPause
	}
	if s.streamingResponse || len(s.toolCalls) == 0 {
		return host.ActionContinue
	}

	var response types.ChatCompletionsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		s.logger.Debug("response body is not a chat completion, passing through", zap.Error(err))
		return host.ActionContinue
	}
	if response.Usage != nil {
		s.responseTokens += response.Usage.CompletionTokens
	}

	state := types.ToolCallState{
		Key:          types.HistoryKey(s.chatCompletionsRequest.Messages),
		Message:      s.userPrompt,
		ToolCall:     s.toolCalls[0].Function,
		ToolResponse: s.toolCallResponse,
	}
	s.archState = append(s.archState, types.ArchState{ToolCall: []types.ToolCallState{state}})

	rewritten, err := types.InjectArchState(body, s.archState)
	if err != nil {
		s.logger.Warn("failed to inject conversation state into response", zap.Error(err))
		return host.ActionContinue
	}
	s.host.SetResponseBody(rewritten)
	return host.ActionContinue
}

// OnCalloutResponse correlates an outbound answer with its pending context
// and advances the state machine.
func (s *StreamContext) OnCalloutResponse(resp host.CalloutResponse) {
	ctx, ok := s.callouts.Remove(resp.TokenID)
	if !ok {
		s.sendError(types.NewLogicError(fmt.Sprintf("invalid callout token id %d", resp.TokenID)))
		return
	}

	if resp.Status < 200 || resp.Status >= 300 {
		upstream := ctx.upstreamCluster
		path := ctx.upstreamPath
		if upstream == "" {
			upstream = types.ModelServerName
		}
		err := types.NewUpstream(upstream, path, resp.Status, string(resp.Body))
		s.logger.Warn("callout answered with non 2xx status",
			zap.String("handler", ctx.handler.String()),
			zap.Int("status", resp.Status))
		s.sendError(err)
		return
	}

	s.logger.Debug("callout response", zap.String("handler", ctx.handler.String()))
	switch ctx.handler {
	case handlerArchGuard:
		s.handleGuardResponse(resp.Body, ctx)
	case handlerGetEmbeddings:
		s.handleEmbeddingsResponse(resp.Body, ctx)
	case handlerZeroShotIntent:
		s.handleZeroShotResponse(resp.Body, ctx)
	case handlerFunctionResolver:
		s.handleFunctionResolverResponse(resp.Body, ctx)
	case handlerHallucinationDetect:
		s.handleHallucinationResponse(resp.Body, ctx)
	case handlerFunctionCall:
		s.handleFunctionCallResponse(resp.Body, ctx)
	case handlerDefaultTarget:
		s.handleDefaultTargetResponse(resp.Body, ctx)
	}
}

// --- guard ---

func (s *StreamContext) dispatchGuard(ctx callContext) {
	request := types.PromptGuardRequest{
		Input: ctx.userMessage,
		Task:  types.PromptGuardTaskJailbreak,
	}
	body, err := json.Marshal(request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}
	ctx.handler = handlerArchGuard
	s.dispatch(modelServerCall("/guard", body, sidecarCallTimeout), ctx)
}

func (s *StreamContext) handleGuardResponse(body []byte, ctx callContext) {
	var guard types.PromptGuardResponse
	if err := json.Unmarshal(body, &guard); err != nil {
		s.sendError(types.NewDeserialization(err))
		return
	}

	if guard.JailbreakDetected() {
		message := s.cfg.PromptGuards.JailbreakOnExceptionMessage()
		if message == "" {
			message = defaultJailbreakMessage
		}
		s.logger.Debug("jailbreak detected", zap.String("message", message))
		s.sendError(types.NewJailbreak(message))
		return
	}

	s.dispatchEmbeddings(ctx)
}

// --- embeddings & similarity ---

func (s *StreamContext) dispatchEmbeddings(ctx callContext) {
	request := types.CreateEmbeddingRequest{
		Input: ctx.userMessage,
		Model: types.DefaultEmbeddingModel,
	}
	body, err := json.Marshal(request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}
	ctx.handler = handlerGetEmbeddings
	s.dispatch(modelServerCall("/embeddings", body, embeddingsCallTimeout), ctx)
}

func (s *StreamContext) handleEmbeddingsResponse(body []byte, ctx callContext) {
	var response types.CreateEmbeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		s.sendError(types.NewDeserialization(err))
		return
	}
	if len(response.Data) == 0 {
		s.sendError(types.NewLogicError("embeddings response carried no vectors"))
		return
	}
	promptVector := response.Data[0].Embedding

	scores := make(map[string]float64, len(s.cfg.PromptTargets))
	labels := make([]string, 0, len(s.cfg.PromptTargets))
	for name, target := range s.cfg.PromptTargets {
		if target.Default {
			continue
		}
		labels = append(labels, name)
		description, ok := s.cfg.EmbeddingStore.Get(name, embeddings.KindDescription)
		if !ok {
			s.logger.Warn("description embeddings not found for prompt target", zap.String("target", name))
			continue
		}
		scores[name] = embeddings.CosineSimilarity(promptVector, description)
	}
	sort.Strings(labels)
	ctx.similarityScores = scores

	request := types.ZeroShotClassificationRequest{
		Input:  ctx.userMessage,
		Labels: labels,
		Model:  types.DefaultIntentModel,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}
	ctx.handler = handlerZeroShotIntent
	s.dispatch(modelServerCall("/zeroshot", payload, sidecarCallTimeout), ctx)
}

// --- zero-shot intent ---

func (s *StreamContext) handleZeroShotResponse(body []byte, ctx callContext) {
	var intent types.ZeroShotClassificationResponse
	if err := json.Unmarshal(body, &intent); err != nil {
		s.sendError(types.NewDeserialization(err))
		return
	}

	descSimilarity, ok := ctx.similarityScores[intent.PredictedClass]
	if !ok {
		s.sendError(types.NewLogicError(fmt.Sprintf("prompt target not found: %s", intent.PredictedClass)))
		return
	}
	composite := intent.PredictedClassScore*intentScoreWeight + descSimilarity*descriptionSimilarityWeight

	s.logger.Debug("intent matching",
		zap.Float64("composite", composite),
		zap.Float64("intent_score", intent.PredictedClassScore),
		zap.Float64("description_similarity", descSimilarity),
		zap.String("predicted_class", intent.PredictedClass))

	archAssistant := archAssistantInCharge(ctx.requestBody.Messages)

	if composite < s.cfg.Threshold && !archAssistant {
		if target, ok := config.DefaultPromptTarget(s.cfg.PromptTargets); ok {
			s.logger.Debug("similarity below threshold, dispatching default prompt target",
				zap.String("target", target.Name))
			s.dispatchDefaultTarget(target, ctx)
			return
		}
		s.logger.Debug("similarity below threshold and no default target, resuming unmodified")
		s.host.Resume()
		return
	}

	if _, ok := s.cfg.PromptTargets[intent.PredictedClass]; !ok {
		s.sendError(types.NewLogicError(fmt.Sprintf("prompt target not found: %s", intent.PredictedClass)))
		return
	}

	tools := make([]types.ChatCompletionTool, 0, len(s.cfg.PromptTargets))
	for _, name := range sortedTargetNames(s.cfg.PromptTargets) {
		target := s.cfg.PromptTargets[name]
		if target.Default {
			continue
		}
		tools = append(tools, target.ToTool())
	}

	request := types.ChatCompletionsRequest{
		Model:    types.GPT35Turbo,
		Messages: ctx.requestBody.Messages,
		Tools:    tools,
	}
	if s.archState != nil {
		encoded, err := types.EncodeArchState(s.archState)
		if err != nil {
			s.sendError(types.NewSerialization(err))
			return
		}
		request.Metadata = map[string]string{types.ArchStateKey: encoded}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}

	ctx.handler = handlerFunctionResolver
	ctx.promptTargetName = intent.PredictedClass
	args := s.archFCCall(payload)
	s.dispatch(args, ctx)
}

// --- function resolver ---

func (s *StreamContext) handleFunctionResolverResponse(body []byte, ctx callContext) {
	completion, serverErr, err := types.DecodeModelServerResponse(body)
	if err != nil {
		s.sendError(types.NewDeserialization(err))
		return
	}
	if serverErr != nil {
		s.logger.Debug("function resolver error response", zap.String("result", serverErr.Result))
		if serverErr.Result == "No intent matched" {
			if target, ok := config.DefaultPromptTarget(s.cfg.PromptTargets); ok {
				s.dispatchDefaultTarget(target, ctx)
				return
			}
		}
		s.sendError(types.NewLogicError(serverErr.Result).WithStatus(http.StatusBadRequest))
		return
	}

	choice := completion.Choices[0]
	if len(choice.Message.ToolCalls) == 0 {
		// The resolver lacked information to fill the call and answered with
		// a clarifying turn; hand it straight back to the caller.
		s.toolCalls = nil
		s.replyWithClarification(choice.Message.ContentOrEmpty(), body)
		return
	}

	if len(choice.Message.ToolCalls) > 1 {
		s.logger.Warn("multiple tool calls not supported yet, dispatching the first",
			zap.Int("tool_calls", len(choice.Message.ToolCalls)))
	}

	s.toolCalls = choice.Message.ToolCalls
	ctx.toolCalls = choice.Message.ToolCalls

	call := choice.Message.ToolCalls[0]
	if _, ok := s.cfg.PromptTargets[call.Function.Name]; !ok {
		s.sendError(types.NewLogicError(fmt.Sprintf("prompt target not found: %s", call.Function.Name)))
		return
	}

	s.dispatchHallucinationCheck(call, ctx)
}

func (s *StreamContext) replyWithClarification(content string, original []byte) {
	if !s.streamingResponse {
		s.host.SendLocalReply(http.StatusOK, jsonHeaders(), original)
		return
	}
	chunks := []types.ChatCompletionStreamResponse{
		types.NewStreamChunk(nil, types.RoleAssistant, types.ArchFCModelName, nil),
		types.NewStreamChunk(types.Str(content), "", types.ArchFCModelName, nil),
	}
	s.host.SendLocalReply(http.StatusOK, sseHeaders(), []byte(types.ToServerEventsDone(chunks)))
}

// --- hallucination ---

func (s *StreamContext) dispatchHallucinationCheck(call types.ToolCall, ctx callContext) {
	parameters := make(map[string]string, len(call.Function.Arguments))
	for key, value := range call.Function.Arguments {
		parameters[key] = stringifyArgument(value)
	}

	request := types.HallucinationClassificationRequest{
		Prompt:     hallucinationPrompt(ctx.requestBody.Messages, ctx.userMessage),
		Model:      types.DefaultIntentModel,
		Parameters: parameters,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}
	ctx.handler = handlerHallucinationDetect
	s.dispatch(modelServerCall("/hallucination", payload, sidecarCallTimeout), ctx)
}

func (s *StreamContext) handleHallucinationResponse(body []byte, ctx callContext) {
	var response types.HallucinationClassificationResponse
	if err := json.Unmarshal(body, &response); err != nil {
		s.sendError(types.NewDeserialization(err))
		return
	}

	lowScore := make([]string, 0, len(response.ParamsScores))
	for key, score := range response.ParamsScores {
		if score < defaultHallucinationThreshold {
			s.logger.Debug("hallucinated parameter",
				zap.String("parameter", key), zap.Float64("score", score))
			lowScore = append(lowScore, key)
		}
	}

	if len(lowScore) == 0 {
		s.scheduleAPICall(ctx)
		return
	}

	sort.Strings(lowScore)
	message := "It seems I'm missing some information. Could you provide the following details: " +
		strings.Join(lowScore, ", ") + " ?"
	response200 := types.NewChatCompletionsResponse(message)
	payload, err := json.Marshal(response200)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}
	s.toolCalls = nil
	s.host.SendLocalReply(http.StatusOK, jsonHeaders(), payload)
}

// --- application endpoint ---

func (s *StreamContext) scheduleAPICall(ctx callContext) {
	call := ctx.toolCalls[0]
	target, ok := s.cfg.PromptTargets[call.Function.Name]
	if !ok {
		s.sendError(types.NewLogicError(fmt.Sprintf("prompt target not found: %s", call.Function.Name)))
		return
	}
	if target.Endpoint == nil {
		s.sendError(types.NewLogicError(fmt.Sprintf("prompt target %s has no endpoint", target.Name)))
		return
	}

	params := make(map[string]any, len(call.Function.Arguments)+1)
	for key, value := range call.Function.Arguments {
		params[key] = value
	}
	params[types.ArchMessagesKey] = ctx.requestBody.Messages

	payload, err := json.Marshal(params)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}

	path, err := replaceParamsInPath(target.Endpoint.PathOrRoot(), scalarArguments(call.Function.Arguments))
	if err != nil {
		s.sendError(types.NewBadRequest(fmt.Sprintf("error replacing params in path: %v", err)))
		return
	}

	method := string(target.Endpoint.MethodOrDefault())
	headers := []host.HeaderPair{
		{Name: types.ArchUpstreamHostHeader, Value: target.Endpoint.Name},
		{Name: ":method", Value: method},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: target.Endpoint.Name},
		{Name: "content-type", Value: "application/json"},
		{Name: types.UpstreamRetriesHeader, Value: "3"},
	}

	s.logger.Debug("dispatching api call",
		zap.String("endpoint", target.Endpoint.Name),
		zap.String("path", path))

	ctx.handler = handlerFunctionCall
	ctx.upstreamCluster = target.Endpoint.Name
	ctx.upstreamPath = path
	ctx.promptTargetName = target.Name
	s.dispatch(host.NewCallArgs(types.ArchInternalClusterName, path, headers, payload, sidecarCallTimeout), ctx)
}

func (s *StreamContext) handleFunctionCallResponse(body []byte, ctx callContext) {
	s.toolCallResponse = string(body)

	messages := s.groundedConversation(ctx)
	if len(messages) == 0 {
		s.sendError(types.NewNoMessages("no user messages found"))
		return
	}

	request := types.ChatCompletionsRequest{
		Model:         ctx.requestBody.Model,
		Messages:      messages,
		Stream:        ctx.requestBody.Stream,
		StreamOptions: ctx.requestBody.StreamOptions,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}
	s.logger.Debug("resuming stream with rewritten request body")
	s.host.SetRequestBody(payload)
	s.host.Resume()
}

// groundedConversation rebuilds the message list the upstream LLM sees: the
// effective system prompt, the history stripped of tool traffic, and the last
// user turn annotated with the API response as context.
func (s *StreamContext) groundedConversation(ctx callContext) []types.Message {
	var messages []types.Message

	systemPrompt := s.cfg.SystemPrompt
	if ctx.promptTargetName != "" {
		if target, ok := s.cfg.PromptTargets[ctx.promptTargetName]; ok && target.SystemPrompt != nil {
			systemPrompt = target.SystemPrompt
		}
	}
	if systemPrompt != nil {
		messages = append(messages, types.NewMessage(types.RoleSystem, *systemPrompt))
	}

	for _, m := range ctx.requestBody.Messages {
		// Tool traffic and empty turns never reach the upstream LLM.
		if m.Role == types.RoleTool || m.Content == nil || len(m.ToolCalls) > 0 {
			continue
		}
		messages = append(messages, m)
	}

	if len(messages) == 0 || messages[len(messages)-1].Role != types.RoleUser {
		return nil
	}

	last := messages[len(messages)-1]
	grounded := fmt.Sprintf("%s\ncontext: %s", last.ContentOrEmpty(), s.toolCallResponse)
	messages[len(messages)-1] = types.NewMessage(types.RoleUser, grounded)
	return messages
}

// --- default target ---

func (s *StreamContext) dispatchDefaultTarget(target config.PromptTarget, ctx callContext) {
	if target.Endpoint == nil {
		s.sendError(types.NewLogicError(fmt.Sprintf("default prompt target %s has no endpoint", target.Name)))
		return
	}

	payload, err := json.Marshal(map[string]any{
		types.ArchMessagesKey: ctx.requestBody.Messages,
	})
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}

	path := target.Endpoint.PathOrRoot()
	headers := []host.HeaderPair{
		{Name: ":method", Value: "POST"},
		{Name: types.ArchUpstreamHostHeader, Value: target.Endpoint.Name},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: target.Endpoint.Name},
		{Name: "content-type", Value: "application/json"},
		{Name: types.UpstreamRetriesHeader, Value: "3"},
		{Name: types.UpstreamTimeoutHeader, Value: strconv.Itoa(types.ArchFCRequestTimeoutMs)},
	}

	ctx.handler = handlerDefaultTarget
	ctx.promptTargetName = target.Name
	ctx.upstreamCluster = target.Endpoint.Name
	ctx.upstreamPath = path
	s.dispatch(host.NewCallArgs(types.ArchInternalClusterName, path, headers, payload, sidecarCallTimeout), ctx)
}

func (s *StreamContext) handleDefaultTargetResponse(body []byte, ctx callContext) {
	target, ok := s.cfg.PromptTargets[ctx.promptTargetName]
	if !ok {
		s.sendError(types.NewLogicError(fmt.Sprintf("prompt target not found: %s", ctx.promptTargetName)))
		return
	}

	if !target.AutoLlmDispatchOnResponse {
		if !s.streamingResponse {
			s.host.SendLocalReply(http.StatusOK, jsonHeaders(), body)
			return
		}
		var completion types.ChatCompletionsResponse
		if err := json.Unmarshal(body, &completion); err != nil {
			s.sendError(types.NewDeserialization(err))
			return
		}
		if len(completion.Choices) == 0 {
			s.sendError(types.NewLogicError("default target response carried no choices"))
			return
		}
		chunks := []types.ChatCompletionStreamResponse{
			types.NewStreamChunk(nil, types.RoleAssistant, completion.Model, nil),
			types.NewStreamChunk(completion.Choices[0].Message.Content, "", completion.Model, nil),
		}
		s.host.SendLocalReply(http.StatusOK, sseHeaders(), []byte(types.ToServerEventsDone(chunks)))
		return
	}

	var completion types.ChatCompletionsResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		s.sendError(types.NewDeserialization(err))
		return
	}
	if len(completion.Choices) == 0 || completion.Choices[0].Message.Content == nil {
		s.sendError(types.NewLogicError("default target response carried no content"))
		return
	}
	apiResponse := *completion.Choices[0].Message.Content

	var messages []types.Message
	if target.SystemPrompt != nil {
		messages = append(messages, types.NewMessage(types.RoleSystem, *target.SystemPrompt))
	}
	messages = append(messages, ctx.requestBody.Messages...)
	if len(messages) == 0 || messages[len(messages)-1].Role != types.RoleUser {
		s.sendError(types.NewNoMessages("no user messages found"))
		return
	}
	last := messages[len(messages)-1]
	grounded := fmt.Sprintf("%s\ncontext: %s", last.ContentOrEmpty(), apiResponse)
	messages[len(messages)-1] = types.NewMessage(types.RoleUser, grounded)

	request := types.ChatCompletionsRequest{
		Model:         ctx.requestBody.Model,
		Messages:      messages,
		Stream:        ctx.requestBody.Stream,
		StreamOptions: ctx.requestBody.StreamOptions,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		s.sendError(types.NewSerialization(err))
		return
	}
	s.host.SetRequestBody(payload)
	s.host.Resume()
}

// --- plumbing ---

func (s *StreamContext) dispatch(args host.CallArgs, ctx callContext) {
	args.Headers = s.appendTracingHeaders(args.Headers)
	token, err := s.host.DispatchHTTPCall(args)
	if err != nil {
		s.sendError(types.NewDispatchError(args.Upstream, args.Path, err).WithStatus(http.StatusBadRequest))
		return
	}
	s.callouts.Insert(token, ctx)
}

func (s *StreamContext) appendTracingHeaders(headers []host.HeaderPair) []host.HeaderPair {
	if s.requestID != "" && !hasHeader(headers, types.RequestIDHeader) {
		headers = append(headers, host.HeaderPair{Name: types.RequestIDHeader, Value: s.requestID})
	}
	if s.traceparent != "" && !hasHeader(headers, types.TraceparentHeader) {
		headers = append(headers, host.HeaderPair{Name: types.TraceparentHeader, Value: s.traceparent})
	}
	return headers
}

func (s *StreamContext) archFCCall(body []byte) host.CallArgs {
	headers := []host.HeaderPair{
		{Name: ":method", Value: "POST"},
		{Name: types.ArchUpstreamHostHeader, Value: types.ArchFCClusterName},
		{Name: ":path", Value: types.ChatCompletionsPath},
		{Name: ":authority", Value: types.ArchFCClusterName},
		{Name: "content-type", Value: "application/json"},
		{Name: types.UpstreamRetriesHeader, Value: "3"},
		{Name: types.UpstreamTimeoutHeader, Value: strconv.Itoa(types.ArchFCRequestTimeoutMs)},
	}
	return host.NewCallArgs(types.ArchInternalClusterName, types.ChatCompletionsPath, headers, body, sidecarCallTimeout)
}

func (s *StreamContext) sendError(err *types.GatewayError) {
	s.logger.Debug("terminating stream with local error", zap.Error(err))
	s.host.SendLocalReply(err.Status(), nil, []byte(err.Error()))
}

func modelServerCall(path string, body []byte, timeout time.Duration) host.CallArgs {
	timeoutMs := strconv.FormatInt(timeout.Milliseconds(), 10)
	headers := []host.HeaderPair{
		{Name: types.ArchUpstreamHostHeader, Value: types.ModelServerName},
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: path},
		{Name: ":authority", Value: types.ModelServerName},
		{Name: "content-type", Value: "application/json"},
		{Name: types.UpstreamRetriesHeader, Value: "3"},
		{Name: types.UpstreamTimeoutHeader, Value: timeoutMs},
	}
	return host.NewCallArgs(types.ArchInternalClusterName, path, headers, body, timeout)
}

// archAssistantInCharge reports whether the second to last turn was produced
// by the gateway's own model, meaning a parameter-collection dialog is in
// progress and the similarity floor does not apply.
func archAssistantInCharge(messages []types.Message) bool {
	if len(messages) < 2 {
		return false
	}
	latestAssistant := messages[len(messages)-2]
	return strings.HasPrefix(latestAssistant.Model, types.ArchModelPrefix)
}

// hallucinationPrompt assembles the user text the hallucination classifier
// scores parameters against. During an arch-owned dialog every user turn of
// that dialog contributes; otherwise only the last user turn does.
func hallucinationPrompt(messages []types.Message, lastUserMessage string) string {
	if !archAssistantInCharge(messages) {
		return lastUserMessage
	}
	var userMessages []string
	for _, m := range messages {
		if m.Model != "" && !strings.HasPrefix(m.Model, types.ArchModelPrefix) {
			break
		}
		if m.Role == types.RoleUser && m.Content != nil {
			userMessages = append(userMessages, *m.Content)
		}
	}
	return strings.Join(userMessages, ", ")
}

func sortedTargetNames(targets map[string]config.PromptTarget) []string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// scalarArguments keeps only string, number, and bool arguments; non-scalars
// never enter a URL.
func scalarArguments(arguments map[string]any) map[string]string {
	scalars := make(map[string]string, len(arguments))
	for key, value := range arguments {
		switch v := value.(type) {
		case string:
			scalars[key] = v
		case bool:
			scalars[key] = strconv.FormatBool(v)
		case float64:
			scalars[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			scalars[key] = strconv.Itoa(v)
		case json.Number:
			scalars[key] = v.String()
		}
	}
	return scalars
}

func stringifyArgument(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func hasHeader(headers []host.HeaderPair, name string) bool {
	for _, h := range headers {
		if h.Name == name {
			return true
		}
	}
	return false
}

func jsonHeaders() []host.HeaderPair {
	return []host.HeaderPair{{Name: "content-type", Value: "application/json"}}
}

func sseHeaders() []host.HeaderPair {
	return []host.HeaderPair{{Name: "content-type", Value: "text/event-stream"}}
}
