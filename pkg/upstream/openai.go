package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

var (
	ssePrefix = []byte("data:")
	sseDone   = []byte("[DONE]")
)

// OpenAI streams from an OpenAI-compatible chat completions endpoint and
// unwraps the server-sent events into text.
type OpenAI struct {
	*client
}

func (o *OpenAI) Stream(ctx context.Context, req *llm.CompletionRequest) (io.ReadCloser, error) {
	resp, err := o.open(ctx, "/chat/completions", req)
	if err != nil {
		return nil, err
	}
	return newFrameReader(resp.Body, o.decode), nil
}

func (o *OpenAI) decode(line []byte) (frame, bool, error) {
	data, ok := bytes.CutPrefix(line, ssePrefix)
	if !ok {
		// event names, ids and ": keep-alive" comments
		return frame{}, false, nil
	}

	data = bytes.TrimSpace(data)
	if bytes.Equal(data, sseDone) {
		return frame{done: true}, true, nil
	}

	var chunk llm.CompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		o.logger.Warn("failed to parse chunk", zap.Error(err), zap.String("line", truncate(string(data), 200)))
		return frame{}, false, nil
	}

	if len(chunk.Error) > 0 {
		return frame{}, false, fmt.Errorf("upstream stream error: %s", truncate(string(chunk.Error), 200))
	}

	return frame{text: chunk.Content()}, true, nil
}

// Ollama streams from an Ollama /api/chat endpoint and unwraps the NDJSON
// chunks into text.
type Ollama struct {
	*client
}

func (o *Ollama) Stream(ctx context.Context, req *llm.CompletionRequest) (io.ReadCloser, error) {
	resp, err := o.open(ctx, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	return newFrameReader(resp.Body, o.decode), nil
}

func (o *Ollama) decode(line []byte) (frame, bool, error) {
	var chunk llm.OllamaChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		o.logger.Warn("failed to parse chunk", zap.Error(err), zap.String("line", truncate(string(line), 200)))
		return frame{}, false, nil
	}

	if chunk.Error != "" {
		return frame{}, false, fmt.Errorf("upstream stream error: %s", truncate(chunk.Error, 200))
	}

	o.logger.Debug("streaming chunk",
		zap.Bool("done", chunk.Done),
		zap.String("content", truncate(chunk.Message.Content, 50)),
	)

	return frame{text: chunk.Message.Content, done: chunk.Done}, true, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
