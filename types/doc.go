// Package types holds the wire-level types shared across the gateway:
// the OpenAI-compatible chat-completions surface, the model-server sidecar
// APIs, the conversation-state codec, and the gateway error model.
// This package has ZERO dependencies on other archgw packages so every
// other package can import it freely.
package types
