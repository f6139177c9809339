// Package client talks to a chatrelay server: it opens relay streams and
// manages the caller's conversations.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4 << 10

// Client is an authenticated chatrelay API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a Client for the server at baseURL using token as its bearer
// credential.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// No timeout: replies stream until the relay ends them.
		httpClient: &http.Client{},
	}
}

// Chat posts the transcript to the relay and returns the reply stream. The
// stream ends with io.EOF on a complete reply; an interrupted reply surfaces
// as a read error (typically io.ErrUnexpectedEOF).
func (c *Client) Chat(ctx context.Context, transcript []llm.Turn) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/chat", llm.ChatRequest{Messages: transcript})
	if err != nil {
		return nil, &llm.UpstreamError{Message: "relay unreachable", Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close()

	msg := errorMessage(resp)
	switch resp.StatusCode {
	case http.StatusBadRequest:
		return nil, &llm.InputError{Message: msg}
	case http.StatusUnauthorized:
		return nil, &llm.AuthError{Message: msg}
	default:
		return nil, &llm.UpstreamError{Status: resp.StatusCode, Message: msg}
	}
}

// ListConversations returns the caller's conversations, newest first.
func (c *Client) ListConversations(ctx context.Context) ([]*storage.Conversation, error) {
	var out struct {
		Conversations []*storage.Conversation `json:"conversations"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// CreateConversation creates a conversation. An empty title gets the
// server's default.
func (c *Client) CreateConversation(ctx context.Context, title string) (*storage.Conversation, error) {
	var out struct {
		Conversation *storage.Conversation `json:"conversation"`
	}
	body := map[string]string{"title": title}
	if err := c.call(ctx, http.MethodPost, "/api/conversations", body, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

func (c *Client) RenameConversation(ctx context.Context, id, title string) (*storage.Conversation, error) {
	var out struct {
		Conversation *storage.Conversation `json:"conversation"`
	}
	body := map[string]string{"title": title}
	if err := c.call(ctx, http.MethodPut, "/api/conversations/"+id, body, &out); err != nil {
		return nil, conversationError(err, id)
	}
	return out.Conversation, nil
}

func (c *Client) DeleteConversation(ctx context.Context, id string) error {
	return conversationError(c.call(ctx, http.MethodDelete, "/api/conversations/"+id, nil, nil), id)
}

// ListMessages returns a conversation's messages ordered by message number.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]*storage.Message, error) {
	var out struct {
		Messages []*storage.Message `json:"messages"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/conversations/"+conversationID+"/messages", nil, &out); err != nil {
		return nil, conversationError(err, conversationID)
	}
	return out.Messages, nil
}

// PutMessage persists one turn at messageNum. Persisting the same turn twice
// is harmless; a different turn at an occupied number is a
// storage.ErrConflict.
func (c *Client) PutMessage(ctx context.Context, conversationID string, messageNum int, turn llm.Turn) (*storage.Message, error) {
	var out struct {
		Message *storage.Message `json:"message"`
	}
	body := map[string]any{
		"message_num": messageNum,
		"role":        turn.Role,
		"content":     turn.Content,
	}
	err := c.call(ctx, http.MethodPost, "/api/conversations/"+conversationID+"/messages", body, &out)
	if err != nil {
		if status, ok := err.(*statusError); ok && status.code == http.StatusConflict {
			return nil, storage.ErrConflict{ConversationID: conversationID, MessageNum: messageNum}
		}
		return nil, conversationError(err, conversationID)
	}
	return out.Message, nil
}

// statusError is an unexpected non-2xx response.
type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.code, e.message)
}

// call sends a JSON request and decodes a 2xx JSON response into out.
func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorMessage(resp)
		switch resp.StatusCode {
		case http.StatusBadRequest:
			return &llm.InputError{Message: msg}
		case http.StatusUnauthorized:
			return &llm.AuthError{Message: msg}
		default:
			return &statusError{code: resp.StatusCode, message: msg}
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not decode response: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("could not marshal request: %w", err)
		}
		r = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.httpClient.Do(req)
}

// conversationError turns a 404 into storage.ErrNotFound.
func conversationError(err error, id string) error {
	if status, ok := err.(*statusError); ok && status.code == http.StatusNotFound {
		return storage.ErrNotFound{Kind: "conversation", ID: id}
	}
	return err
}

// errorMessage extracts the message of an llm.ErrorResponse body, falling
// back to the raw body or the status text.
func errorMessage(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var e llm.ErrorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return e.Error
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}
