package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctionParametersMarshalDerivesRequired(t *testing.T) {
	params := FunctionParameters{Properties: map[string]FunctionParameter{
		"city": {
			Type:        ParameterTypeString,
			Description: "city for weather forecast",
			Required:    true,
			Default:     "test",
		},
	}}

	raw, err := json.Marshal(params)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))

	var required []string
	require.NoError(t, json.Unmarshal(decoded["required"], &required))
	assert.Equal(t, []string{"city"}, required)

	var properties map[string]map[string]any
	require.NoError(t, json.Unmarshal(decoded["properties"], &properties))
	city := properties["city"]
	assert.Equal(t, "str", city["type"])
	assert.Equal(t, "city for weather forecast", city["description"])
	assert.Equal(t, "test", city["default"])
	// The required flag lives in the schema-level array, not the property.
	assert.NotContains(t, city, "required")
}

func TestFunctionParametersMarshalOmitsEmptyRequired(t *testing.T) {
	params := FunctionParameters{Properties: map[string]FunctionParameter{
		"city": {Type: ParameterTypeString, Description: "a city"},
	}}
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "required")
}

func TestFunctionParameterDefaultsToStringType(t *testing.T) {
	payload := `{"city": {"description": "city for weather forecast"}}`
	var properties map[string]FunctionParameter
	require.NoError(t, json.Unmarshal([]byte(payload), &properties))
	assert.Equal(t, ParameterTypeString, properties["city"].Type)
}

func TestFunctionParametersUnmarshalRestoresRequired(t *testing.T) {
	payload := `{
		"properties": {
			"city": {"type": "str", "description": "c"},
			"days": {"type": "int", "description": "d"}
		},
		"required": ["city"]
	}`
	var params FunctionParameters
	require.NoError(t, json.Unmarshal([]byte(payload), &params))
	assert.True(t, params.Properties["city"].Required)
	assert.False(t, params.Properties["days"].Required)
}

func TestParameterTypeFrom(t *testing.T) {
	tests := map[string]ParameterType{
		"int":        ParameterTypeInt,
		"integer":    ParameterTypeInt,
		"float":      ParameterTypeFloat,
		"bool":       ParameterTypeBool,
		"boolean":    ParameterTypeBool,
		"str":        ParameterTypeString,
		"string":     ParameterTypeString,
		"list":       ParameterTypeList,
		"array":      ParameterTypeList,
		"dict":       ParameterTypeDict,
		"dictionary": ParameterTypeDict,
		"mystery":    ParameterTypeString,
		"":           ParameterTypeString,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParameterTypeFrom(input), "input %q", input)
	}
}

func TestChatCompletionsRequestRoundTrip(t *testing.T) {
	request := ChatCompletionsRequest{
		Model: "gpt-3.5-turbo",
		Messages: []Message{
			NewMessage(RoleUser, "What city do you want to know the weather for?"),
		},
		Stream:        true,
		StreamOptions: &StreamOptions{IncludeUsage: true},
	}

	raw, err := json.Marshal(request)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"stream":true`)
	assert.Contains(t, string(raw), `"include_usage":true`)

	var decoded ChatCompletionsRequest
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Messages, 1)
	assert.Equal(t, RoleUser, decoded.Messages[0].Role)
	assert.Equal(t, "What city do you want to know the weather for?", decoded.Messages[0].ContentOrEmpty())
}

func TestLastUserMessage(t *testing.T) {
	request := ChatCompletionsRequest{Messages: []Message{
		NewMessage(RoleSystem, "be helpful"),
		NewMessage(RoleUser, "first"),
		NewMessage(RoleAssistant, "sure"),
		NewMessage(RoleUser, "second"),
	}}
	last, ok := request.LastUserMessage()
	require.True(t, ok)
	assert.Equal(t, "second", last.ContentOrEmpty())

	empty := ChatCompletionsRequest{Messages: []Message{NewMessage(RoleSystem, "x")}}
	_, ok = empty.LastUserMessage()
	assert.False(t, ok)
}

const streamChunks = `data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1729755226,"model":"gpt-3.5-turbo-0125","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1729755226,"model":"gpt-3.5-turbo-0125","choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1729755226,"model":"gpt-3.5-turbo-0125","choices":[{"index":0,"delta":{"content":"!"},"finish_reason":null}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1729755226,"model":"gpt-3.5-turbo-0125","choices":[{"index":0,"delta":{"content":" How"},"finish_reason":null}]}

data: {"id":"chatcmpl-1","object":"chat.completion.chunk","created":1729755226,"model":"gpt-3.5-turbo-0125","choices":[{"index":0,"delta":{"content":" can"},"finish_reason":null}]}

`

func TestParseStreamEvents(t *testing.T) {
	events, err := ParseStreamEvents(streamChunks)
	require.NoError(t, err)
	require.Len(t, events.Events, 5)
	assert.Equal(t, "", *events.Events[0].Choices[0].Delta.Content)
	assert.Equal(t, "Hello", *events.Events[1].Choices[0].Delta.Content)
	assert.Equal(t, "Hello! How can", events.JoinContent())
	assert.Equal(t, "gpt-3.5-turbo-0125", events.FirstModel())
}

func TestParseStreamEventsDropsDone(t *testing.T) {
	payload := streamChunks + "data: {\"model\":\"gpt-3.5-turbo-0125\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\ndata: [DONE]\n"
	events, err := ParseStreamEvents(payload)
	require.NoError(t, err)
	assert.Len(t, events.Events, 6)
	assert.Nil(t, events.Events[5].Choices[0].Delta.Content)
	assert.Equal(t, "Hello! How can", events.JoinContent())
}

func TestParseStreamEventsOnlyDone(t *testing.T) {
	events, err := ParseStreamEvents("data: [DONE]\n")
	require.NoError(t, err)
	assert.Empty(t, events.Events)
	assert.Equal(t, "", events.JoinContent())
}

func TestParseStreamEventsSplitFrameFails(t *testing.T) {
	_, err := ParseStreamEvents(`data: {"model":"m","choices":[{"delta":{"content":"Hel`)
	assert.Error(t, err)
}

func TestToServerEventsRoundTrip(t *testing.T) {
	chunks := []ChatCompletionStreamResponse{
		NewStreamChunk(nil, RoleAssistant, ArchFCModelName, nil),
		NewStreamChunk(Str("which city?"), "", ArchFCModelName, nil),
	}
	payload := ToServerEventsDone(chunks)
	assert.Contains(t, payload, "data: [DONE]\n\n")

	events, err := ParseStreamEvents(payload)
	require.NoError(t, err)
	require.Len(t, events.Events, 2)
	assert.Equal(t, RoleAssistant, events.Events[0].Choices[0].Delta.Role)
	assert.Equal(t, "which city?", events.JoinContent())
}

func TestDecodeModelServerResponse(t *testing.T) {
	completion, serverErr, err := DecodeModelServerResponse([]byte(`{
		"model": "Arch-Function",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}}]
	}`))
	require.NoError(t, err)
	require.NotNil(t, completion)
	assert.Nil(t, serverErr)
	assert.Equal(t, "hi", completion.Choices[0].Message.ContentOrEmpty())

	completion, serverErr, err = DecodeModelServerResponse([]byte(`{"result": "No intent matched", "intent_latency": 12.5}`))
	require.NoError(t, err)
	assert.Nil(t, completion)
	require.NotNil(t, serverErr)
	assert.Equal(t, "No intent matched", serverErr.Result)

	_, _, err = DecodeModelServerResponse([]byte(`{"nonsense": true}`))
	assert.Error(t, err)
}

func TestNewChatCompletionsResponse(t *testing.T) {
	resp := NewChatCompletionsResponse("missing details")
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, RoleAssistant, resp.Choices[0].Message.Role)
	assert.Equal(t, ArchFCModelName, resp.Choices[0].Message.Model)
	assert.Equal(t, "missing details", resp.Choices[0].Message.ContentOrEmpty())
	assert.Equal(t, "done", resp.Choices[0].FinishReason)
}

func TestMessageContentAbsentVsEmpty(t *testing.T) {
	withEmpty := Message{Role: RoleAssistant, Content: Str("")}
	raw, err := json.Marshal(withEmpty)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"content":""`)

	withoutContent := Message{Role: RoleAssistant}
	raw, err = json.Marshal(withoutContent)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "content")
}
