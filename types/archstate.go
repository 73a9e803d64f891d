package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// HistoryKeySeparator joins user turns before hashing.
const HistoryKeySeparator = "#.#"

// ToolCallState records one resolved tool call: which user turn triggered it,
// what was called, and what the application answered. It is keyed by a hash of
// the user-visible conversation so a follow-up request can be matched
// deterministically.
type ToolCallState struct {
	Key          string             `json:"key"`
	Message      *Message           `json:"message,omitempty"`
	ToolCall     FunctionCallDetail `json:"tool_call"`
	ToolResponse string             `json:"tool_response"`
}

// ArchState is the conversation-state blob round-tripped through the
// metadata field of requests and responses. The gateway itself stores
// nothing server-side.
type ArchState struct {
	ToolCall []ToolCallState `json:"ToolCall"`
}

// HistoryKey hashes the ordered user-turn contents of a conversation.
// Identical histories produce identical keys across runs and processes.
func HistoryKey(messages []Message) string {
	prompts := make([]string, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleUser {
			prompts = append(prompts, m.ContentOrEmpty())
		}
	}
	sum := sha256.Sum256([]byte(strings.Join(prompts, HistoryKeySeparator)))
	return hex.EncodeToString(sum[:])
}

// ParseArchState extracts the state blob from request metadata. A missing key
// yields (nil, nil); a malformed blob is an error.
func ParseArchState(metadata map[string]string) ([]ArchState, error) {
	raw, ok := metadata[ArchStateKey]
	if !ok || raw == "" {
		return nil, nil
	}
	var state []ArchState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return state, nil
}

// EncodeArchState serializes the state blob for embedding into metadata.
func EncodeArchState(state []ArchState) (string, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// InjectArchState rewrites a serialized response body so that
// metadata[ArchStateKey] carries the given state. All unknown fields of the
// body are preserved verbatim.
func InjectArchState(body []byte, state []ArchState) ([]byte, error) {
	encoded, err := EncodeArchState(state)
	if err != nil {
		return nil, err
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	metadata := map[string]json.RawMessage{}
	if raw, ok := data["metadata"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &metadata); err != nil {
			return nil, err
		}
	}
	encodedRaw, err := json.Marshal(encoded)
	if err != nil {
		return nil, err
	}
	metadata[ArchStateKey] = encodedRaw
	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	data["metadata"] = metadataRaw
	return json.Marshal(data)
}
