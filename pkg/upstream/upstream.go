// Package upstream opens streamed completions against a hosted language
// model API and exposes them as a plain-text byte stream.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

// Completer starts streamed completions.
type Completer interface {
	// Stream sends req upstream and returns the reply as unframed UTF-8 text.
	// io.EOF on the reader marks a complete reply. A non-nil error is always
	// an *llm.UpstreamError and means no reply bytes were produced.
	Stream(ctx context.Context, req *llm.CompletionRequest) (io.ReadCloser, error)
}

// Provider names accepted by New.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderText   = "text"
)

// Config selects and configures the upstream provider.
type Config struct {
	// Provider is one of "openai", "ollama" or "text"
	Provider string

	// URL is the provider base URL (e.g., "https://api.openai.com/v1")
	URL string

	// APIKey is sent as a bearer token when set
	APIKey string
}

// New returns the Completer for cfg.Provider.
func New(cfg Config, logger *zap.Logger) (Completer, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upstream URL is required")
	}

	c := &client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
		// No client timeout: replies stream for as long as the caller's
		// context allows.
		httpClient: &http.Client{},
	}

	switch cfg.Provider {
	case ProviderOpenAI, "":
		return &OpenAI{client: c}, nil
	case ProviderOllama:
		return &Ollama{client: c}, nil
	case ProviderText:
		return &Text{client: c}, nil
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.Provider)
	}
}

type client struct {
	baseURL    string
	apiKey     string
	logger     *zap.Logger
	httpClient *http.Client
}

// maxErrorBody bounds how much of a failed upstream response is kept.
const maxErrorBody = 4 << 10

// open posts body to path and returns the response once the upstream has
// accepted the request with a 200.
func (c *client) open(ctx context.Context, path string, body any) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, &llm.UpstreamError{Message: "marshal request", Err: err}
	}

	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &llm.UpstreamError{Message: "create request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	c.logger.Debug("opening upstream stream",
		zap.String("url", url),
		zap.Int("body_size", len(reqBody)),
	)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &llm.UpstreamError{Message: "do request", Err: err}
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBody))
		return nil, &llm.UpstreamError{
			Status:  httpResp.StatusCode,
			Message: strings.TrimSpace(string(errBody)),
		}
	}

	return httpResp, nil
}

// Text posts the request to the configured URL and relays the response body
// untouched. It suits upstreams that already speak unframed text.
type Text struct {
	*client
}

func (t *Text) Stream(ctx context.Context, req *llm.CompletionRequest) (io.ReadCloser, error) {
	resp, err := t.open(ctx, "", req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}
