package llm

import "encoding/json"

// OllamaChunk is a single NDJSON line of an Ollama streaming chat response.
type OllamaChunk struct {
	Model   string `json:"model"`
	Message Turn   `json:"message"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`

	// Final chunk includes metrics
	EvalCount    int   `json:"eval_count,omitempty"`
	EvalDuration int64 `json:"eval_duration,omitempty"`
}

// CompletionChunk is the payload of one server-sent event of an
// OpenAI-compatible streaming chat completion.
type CompletionChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`

	// Error is set when the provider reports a failure in-band.
	Error json.RawMessage `json:"error,omitempty"`
}

// Content returns the text delta of the first choice.
func (c *CompletionChunk) Content() string {
	if len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Delta.Content
}
