package types

// Message roles on the chat-completions surface.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Request path served by both gateways.
const ChatCompletionsPath = "/v1/chat/completions"

// Headers consumed and produced on the data plane.
const (
	ArchProviderHintHeader  = "x-arch-llm-provider-hint"
	ArchRoutingHeader       = "x-arch-llm-provider"
	ArchUpstreamHostHeader  = "x-arch-upstream"
	RatelimitSelectorHeader = "x-arch-ratelimit-selector"
	RequestIDHeader         = "x-request-id"
	TraceparentHeader       = "traceparent"
	UpstreamTimeoutHeader   = "x-envoy-upstream-rq-timeout-ms"
	UpstreamRetriesHeader   = "x-envoy-max-retries"
)

// ArchStateKey is the metadata key that round-trips conversation state
// through request and response bodies.
const ArchStateKey = "x-arch-state"

// ArchModelPrefix tags assistant turns produced by the gateway's own
// function-calling model. A conversation whose latest assistant turn carries
// this prefix is in an arch-owned parameter-collection dialog.
const (
	ArchModelPrefix = "Arch"
	ArchFCModelName = "Arch-Function"
)

// Internal cluster and sidecar names the host resolves for outbound calls.
const (
	ArchInternalClusterName = "arch_internal"
	ArchFCClusterName       = "arch_fc"
	ModelServerName         = "model_server"
)

// ArchMessagesKey carries the conversation history inside dispatches to
// application endpoints and default targets.
const ArchMessagesKey = "messages"

// Sidecar model defaults.
const (
	DefaultEmbeddingModel = "BAAI/bge-large-en-v1.5"
	DefaultIntentModel    = "tasksource/deberta-base-long-nli"
)

// GPT35Turbo is the model tag stamped on requests to the function-calling
// sidecar, which ignores it but expects an OpenAI-shaped body.
const GPT35Turbo = "gpt-3.5-turbo"

// ArchFCRequestTimeoutMs is forwarded as x-envoy-upstream-rq-timeout-ms on
// function-calling and default-target dispatches.
const ArchFCRequestTimeoutMs = 120000
