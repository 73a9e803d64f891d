package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Str returns a pointer to s. Content fields distinguish "absent" from
// "empty", so they are modeled as *string throughout.
func Str(s string) *string { return &s }

// ToolType is the only tool kind the chat-completions surface supports.
type ToolType string

const ToolTypeFunction ToolType = "function"

// Message is a single conversation turn. Content is a pointer because the
// upstream wire format distinguishes a missing content field from an empty
// string (assistant tool-call turns have no content at all).
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content,omitempty"`
	Model      string     `json:"model,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// NewMessage creates a message with the given role and content.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: Str(content)}
}

// ContentOrEmpty returns the content, or "" when the field is absent.
func (m Message) ContentOrEmpty() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// ToolCall is a resolved function invocation produced by the function-calling
// model.
type ToolCall struct {
	ID       string             `json:"id"`
	Type     ToolType           `json:"type"`
	Function FunctionCallDetail `json:"function"`
}

// FunctionCallDetail carries the function name and its typed arguments.
type FunctionCallDetail struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ParameterType enumerates the parameter types a prompt target may declare.
type ParameterType string

const (
	ParameterTypeInt    ParameterType = "int"
	ParameterTypeFloat  ParameterType = "float"
	ParameterTypeBool   ParameterType = "bool"
	ParameterTypeString ParameterType = "str"
	ParameterTypeList   ParameterType = "list"
	ParameterTypeDict   ParameterType = "dict"
)

// ParameterTypeFrom normalizes the aliases accepted in configuration files.
// Unknown values collapse to string.
func ParameterTypeFrom(s string) ParameterType {
	switch strings.ToLower(s) {
	case "int", "integer":
		return ParameterTypeInt
	case "float":
		return ParameterTypeFloat
	case "bool", "boolean":
		return ParameterTypeBool
	case "list", "array":
		return ParameterTypeList
	case "dict", "dictionary":
		return ParameterTypeDict
	default:
		return ParameterTypeString
	}
}

// FunctionParameter describes one parameter of a tool. Required is tracked on
// the parameter but serialized as the enclosing schema's "required" array, so
// the marshalled property object never contains it.
type FunctionParameter struct {
	Type        ParameterType
	Description string
	Required    bool
	Enum        []string
	Default     string
	Format      string
}

type functionParameterWire struct {
	Type        ParameterType `json:"type,omitempty"`
	Description string        `json:"description"`
	Required    *bool         `json:"required,omitempty"`
	Enum        []string      `json:"enum,omitempty"`
	Default     string        `json:"default,omitempty"`
	Format      string        `json:"format,omitempty"`
}

// MarshalJSON emits the property object without the required flag.
func (p FunctionParameter) MarshalJSON() ([]byte, error) {
	return json.Marshal(functionParameterWire{
		Type:        p.Type,
		Description: p.Description,
		Enum:        p.Enum,
		Default:     p.Default,
		Format:      p.Format,
	})
}

// UnmarshalJSON accepts an optional required flag and defaults the type to
// string when absent.
func (p *FunctionParameter) UnmarshalJSON(data []byte) error {
	var wire functionParameterWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	p.Type = wire.Type
	if p.Type == "" {
		p.Type = ParameterTypeString
	}
	p.Description = wire.Description
	p.Required = wire.Required != nil && *wire.Required
	p.Enum = wire.Enum
	p.Default = wire.Default
	p.Format = wire.Format
	return nil
}

// FunctionParameters is the JSON-schema-shaped parameter block of a tool
// definition: a properties map plus a derived required list.
type FunctionParameters struct {
	Properties map[string]FunctionParameter
}

// MarshalJSON derives the required array from the per-parameter flags. The
// array is omitted entirely when no parameter is required.
func (fp FunctionParameters) MarshalJSON() ([]byte, error) {
	required := make([]string, 0, len(fp.Properties))
	for name, p := range fp.Properties {
		if p.Required {
			required = append(required, name)
		}
	}
	out := map[string]any{"properties": fp.Properties}
	if len(required) > 0 {
		out["required"] = required
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the per-parameter required flags from the array.
func (fp *FunctionParameters) UnmarshalJSON(data []byte) error {
	var wire struct {
		Properties map[string]FunctionParameter `json:"properties"`
		Required   []string                     `json:"required"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	for _, name := range wire.Required {
		if p, ok := wire.Properties[name]; ok {
			p.Required = true
			wire.Properties[name] = p
		}
	}
	fp.Properties = wire.Properties
	return nil
}

// FunctionDefinition is the tool surface derived from a prompt target.
type FunctionDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  FunctionParameters `json:"parameters"`
}

// ChatCompletionTool wraps a function definition in the tools[] envelope.
type ChatCompletionTool struct {
	Type     ToolType           `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// StreamOptions mirrors the OpenAI stream_options block.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatCompletionsRequest is the OpenAI-compatible request body.
type ChatCompletionsRequest struct {
	Model         string               `json:"model"`
	Messages      []Message            `json:"messages"`
	Tools         []ChatCompletionTool `json:"tools,omitempty"`
	Stream        bool                 `json:"stream"`
	StreamOptions *StreamOptions       `json:"stream_options,omitempty"`
	Metadata      map[string]string    `json:"metadata,omitempty"`
}

// LastUserMessage returns the most recent user turn, if any.
func (r *ChatCompletionsRequest) LastUserMessage() (Message, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i], true
		}
	}
	return Message{}, false
}

// Usage reports completion token consumption.
type Usage struct {
	CompletionTokens int `json:"completion_tokens"`
}

// Choice is a single completion alternative.
type Choice struct {
	FinishReason string  `json:"finish_reason,omitempty"`
	Index        int     `json:"index"`
	Message      Message `json:"message"`
}

// ChatCompletionsResponse is the OpenAI-compatible non-streaming response.
type ChatCompletionsResponse struct {
	Usage    *Usage            `json:"usage,omitempty"`
	Choices  []Choice          `json:"choices"`
	Model    string            `json:"model"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewChatCompletionsResponse builds a single-choice assistant response in the
// gateway's own voice (tagged with the arch function-calling model name).
func NewChatCompletionsResponse(message string) ChatCompletionsResponse {
	return ChatCompletionsResponse{
		Choices: []Choice{{
			Message: Message{
				Role:    RoleAssistant,
				Content: Str(message),
				Model:   ArchFCModelName,
			},
			Index:        0,
			FinishReason: "done",
		}},
		Model: ArchFCModelName,
	}
}

// ModelServerErrorResponse is the error shape the function-calling sidecar
// returns in place of a completion.
type ModelServerErrorResponse struct {
	Result        string  `json:"result"`
	IntentLatency float64 `json:"intent_latency"`
}

// DecodeModelServerResponse splits the sidecar's untagged union: a regular
// chat completion or a model-server error. Exactly one of the returns is
// non-nil on success.
func DecodeModelServerResponse(body []byte) (*ChatCompletionsResponse, *ModelServerErrorResponse, error) {
	var completion ChatCompletionsResponse
	if err := json.Unmarshal(body, &completion); err == nil && len(completion.Choices) > 0 {
		return &completion, nil, nil
	}
	var serverErr ModelServerErrorResponse
	if err := json.Unmarshal(body, &serverErr); err == nil && serverErr.Result != "" {
		return nil, &serverErr, nil
	}
	return nil, nil, fmt.Errorf("unrecognized model server response: %s", string(body))
}

// Delta is the incremental message fragment inside a streaming chunk.
type Delta struct {
	Role       string     `json:"role,omitempty"`
	Content    *string    `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	Model      string     `json:"model,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ChunkChoice is a single choice within a streaming chunk. FinishReason is a
// pointer so the serialized chunk carries an explicit null until the stream
// terminates.
type ChunkChoice struct {
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// ChatCompletionStreamResponse is one SSE data frame of a streaming response.
type ChatCompletionStreamResponse struct {
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
}

// NewStreamChunk builds a single-choice streaming frame. Empty role and model
// are omitted from the wire; a nil content omits the content field.
func NewStreamChunk(content *string, role, model string, toolCalls []ToolCall) ChatCompletionStreamResponse {
	return ChatCompletionStreamResponse{
		Model: model,
		Choices: []ChunkChoice{{
			Delta: Delta{Role: role, Content: content, ToolCalls: toolCalls},
		}},
	}
}

// StreamEvents is the parsed view of a server-sent-events payload.
type StreamEvents struct {
	Events []ChatCompletionStreamResponse
}

// ParseStreamEvents splits an SSE payload into its data frames. The [DONE]
// sentinel is dropped; a frame that fails to parse fails the whole payload so
// callers can treat partial chunks as no-ops and wait for more bytes.
func ParseStreamEvents(payload string) (StreamEvents, error) {
	var events []ChatCompletionStreamResponse
	for _, line := range strings.Split(payload, "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			continue
		}
		var chunk ChatCompletionStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return StreamEvents{}, err
		}
		events = append(events, chunk)
	}
	return StreamEvents{Events: events}, nil
}

// JoinContent concatenates the content deltas of every frame in order.
func (se StreamEvents) JoinContent() string {
	var sb strings.Builder
	for _, event := range se.Events {
		if len(event.Choices) == 0 {
			continue
		}
		if content := event.Choices[0].Delta.Content; content != nil {
			sb.WriteString(*content)
		}
	}
	return sb.String()
}

// FirstModel returns the model tag of the first frame, if any frame has one.
func (se StreamEvents) FirstModel() string {
	if len(se.Events) == 0 {
		return ""
	}
	return se.Events[0].Model
}

// ToServerEvents serializes chunks back into SSE framing, without the
// terminating [DONE] sentinel.
func ToServerEvents(chunks []ChatCompletionStreamResponse) string {
	var sb strings.Builder
	for _, chunk := range chunks {
		payload, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		sb.WriteString("data: ")
		sb.Write(payload)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// ToServerEventsDone is ToServerEvents plus the [DONE] terminator, used when
// the gateway synthesizes a complete streaming reply locally.
func ToServerEventsDone(chunks []ChatCompletionStreamResponse) string {
	return ToServerEvents(chunks) + "data: [DONE]\n\n"
}
