package llm

import "fmt"

// ChatRequest is the body accepted by the relay: the full transcript of the
// conversation, oldest turn first.
type ChatRequest struct {
	Messages []Turn `json:"messages"`
}

// Validate rejects transcripts the relay must not forward.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return &InputError{Message: "messages are required"}
	}

	for i, m := range r.Messages {
		if !m.Role.Valid() {
			return &InputError{Message: fmt.Sprintf("message %d has unknown role %q", i, m.Role)}
		}
	}

	return nil
}

// CompletionRequest is the request sent to the upstream completion API.
type CompletionRequest struct {
	Model    string `json:"model"`
	Messages []Turn `json:"messages"`
	Stream   bool   `json:"stream"`

	// Generation options, omitted when unset
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
}
