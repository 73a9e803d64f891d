// Package tokenizer counts tokens for rate limiting and streaming
// observability. It adapts tiktoken encodings and remaps models tiktoken does
// not know about onto a canonical BPE.
package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// canonicalModel is the BPE used for models without a native tiktoken
// encoding. This is an observability approximation, not a correctness
// contract for the upstream.
const canonicalModel = "gpt-4"

var (
	encodingsMu sync.Mutex
	encodings   = make(map[string]*tiktoken.Tiktoken)
)

// RemapModel resolves the model name used for counting. Mistral-family models
// have no tiktoken encoding and are counted with the canonical BPE.
func RemapModel(model string) string {
	if strings.HasPrefix(model, "mistral") || strings.HasPrefix(model, "ministral") {
		return canonicalModel
	}
	return model
}

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	model = RemapModel(model)

	encodingsMu.Lock()
	defer encodingsMu.Unlock()

	if enc, ok := encodings[model]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("unknown model: %s", model)
	}
	encodings[model] = enc
	return enc, nil
}

// TokenCount returns the number of tokens in text under the given model's
// encoding.
func TokenCount(model, text string) (int, error) {
	enc, err := encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
