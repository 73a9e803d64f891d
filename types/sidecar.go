package types

// Sidecar API shapes for the local model server. All endpoints are POST with
// JSON bodies.

// CreateEmbeddingRequest asks the model server to embed a single input.
type CreateEmbeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

// Embedding is one vector in an embeddings response.
type Embedding struct {
	Object    string    `json:"object"`
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

// EmbeddingUsage reports token consumption of an embeddings call.
type EmbeddingUsage struct {
	PromptTokens int `json:"prompt_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// CreateEmbeddingResponse is the /embeddings response body.
type CreateEmbeddingResponse struct {
	Object string          `json:"object"`
	Model  string          `json:"model"`
	Data   []Embedding     `json:"data"`
	Usage  *EmbeddingUsage `json:"usage,omitempty"`
}

// PromptGuardTask selects which guard classifiers run.
type PromptGuardTask string

const (
	PromptGuardTaskJailbreak PromptGuardTask = "jailbreak"
	PromptGuardTaskToxicity  PromptGuardTask = "toxicity"
	PromptGuardTaskBoth      PromptGuardTask = "both"
)

// PromptGuardRequest is the /guard request body.
type PromptGuardRequest struct {
	Input string          `json:"input"`
	Task  PromptGuardTask `json:"task"`
}

// PromptGuardResponse is the /guard response body.
type PromptGuardResponse struct {
	ToxicProb        *float64 `json:"toxic_prob,omitempty"`
	JailbreakProb    *float64 `json:"jailbreak_prob,omitempty"`
	ToxicVerdict     *bool    `json:"toxic_verdict,omitempty"`
	JailbreakVerdict *bool    `json:"jailbreak_verdict,omitempty"`
}

// JailbreakDetected reports whether the guard flagged the input.
func (r PromptGuardResponse) JailbreakDetected() bool {
	return r.JailbreakVerdict != nil && *r.JailbreakVerdict
}

// ZeroShotClassificationRequest is the /zeroshot request body.
type ZeroShotClassificationRequest struct {
	Input  string   `json:"input"`
	Labels []string `json:"labels"`
	Model  string   `json:"model"`
}

// ZeroShotClassificationResponse is the /zeroshot response body.
type ZeroShotClassificationResponse struct {
	PredictedClass      string             `json:"predicted_class"`
	PredictedClassScore float64            `json:"predicted_class_score"`
	Scores              map[string]float64 `json:"scores"`
	Model               string             `json:"model"`
}

// HallucinationClassificationRequest is the /hallucination request body.
type HallucinationClassificationRequest struct {
	Prompt     string            `json:"prompt"`
	Model      string            `json:"model"`
	Parameters map[string]string `json:"parameters"`
}

// HallucinationClassificationResponse is the /hallucination response body.
type HallucinationClassificationResponse struct {
	ParamsScores map[string]float64 `json:"params_scores"`
}
