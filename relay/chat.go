package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/auth"
	"github.com/papercomputeco/chatrelay/pkg/llm"
)

// handleChat relays one exchange. The transcript in the request body is
// forwarded upstream unmodified and the reply is streamed back as chunked
// plain text, each upstream read forwarded as soon as it arrives.
//
// Failures before the first byte are reported with a status code. A failure
// after the response has started aborts the chunked body without its
// terminating chunk, so the caller sees an interrupted stream rather than a
// clean end.
func (s *Server) handleChat(c *fiber.Ctx) error {
	startTime := time.Now()
	inc(s.metrics.requests)
	userID := auth.UserID(c)

	var req llm.ChatRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		s.logger.Debug("failed to parse request", zap.String("user_id", userID), zap.Error(err))
		return errorResponse(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := req.Validate(); err != nil {
		s.logger.Debug("rejected request", zap.String("user_id", userID), zap.Error(err))
		return errorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	if s.limiter != nil && !s.limiter.allow(userID) {
		inc(s.metrics.rateLimited)
		s.logger.Warn("rate limit exceeded", zap.String("user_id", userID))
		return errorResponse(c, fiber.StatusTooManyRequests, "rate limit exceeded")
	}

	s.logger.Debug("received chat request",
		zap.String("user_id", userID),
		zap.Int("message_count", len(req.Messages)),
		zap.String("last_message_preview", truncate(req.Messages[len(req.Messages)-1].Content, 50)),
	)

	// The stream outlives this handler: fasthttp reads the body after we
	// return, so the upstream call gets its own context, cancelled when the
	// stream is closed.
	ctx, cancel := context.WithTimeout(context.Background(), s.config.upstreamTimeout())
	ctx, span := s.tracer.Start(ctx, "relay.chat", trace.WithAttributes(
		attribute.String("user_id", userID),
		attribute.String("model", s.config.Model),
		attribute.Int("message_count", len(req.Messages)),
	))

	body, err := s.completer.Stream(ctx, s.completionRequest(&req))
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream request failed")
		span.End()

		inc(s.metrics.upstreamFailures)
		s.logger.Error("upstream request failed",
			zap.String("user_id", userID),
			zap.Duration("duration", time.Since(startTime)),
			zap.Error(err),
		)
		return errorResponse(c, fiber.StatusBadGateway, "upstream request failed")
	}

	s.metrics.streamsActive.Add(context.Background(), 1)

	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Context().SetBodyStream(&relayStream{
		body:    body,
		cancel:  cancel,
		span:    span,
		metrics: s.metrics,
		logger:  s.logger.With(zap.String("user_id", userID)),
		start:   startTime,
	}, -1)

	return nil
}

func (s *Server) completionRequest(req *llm.ChatRequest) *llm.CompletionRequest {
	out := &llm.CompletionRequest{
		Model:    s.config.Model,
		Messages: req.Messages,
		Stream:   true,
	}
	if s.config.Temperature != 0 {
		t := s.config.Temperature
		out.Temperature = &t
	}
	if s.config.MaxTokens > 0 {
		n := s.config.MaxTokens
		out.MaxTokens = &n
	}
	return out
}

// relayStream is the response body of a relay call. fasthttp writes every
// successful Read as its own flushed chunk; a Read error other than io.EOF
// makes it drop the connection before the final chunk. fasthttp closes the
// stream once writing stops, whether the reply finished, failed or the
// client went away.
type relayStream struct {
	body    io.ReadCloser
	cancel  context.CancelFunc
	span    trace.Span
	metrics *relayMetrics
	logger  *zap.Logger
	start   time.Time

	bytes   int64
	done    bool
	pending error
	err     error

	closeOnce sync.Once
}

func (r *relayStream) Read(p []byte) (int, error) {
	if r.pending != nil {
		err := r.pending
		r.pending = nil
		return 0, r.fail(err)
	}

	n, err := r.body.Read(p)
	if n > 0 {
		r.bytes += int64(n)
		r.metrics.bytesRelayed.Add(context.Background(), int64(n))
	}

	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		r.done = true
		return n, io.EOF
	case n > 0:
		// Forward what arrived before reporting the failure.
		r.pending = err
		return n, nil
	default:
		return 0, r.fail(err)
	}
}

func (r *relayStream) fail(err error) error {
	r.err = err
	return err
}

func (r *relayStream) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		closeErr = r.body.Close()
		r.cancel()

		r.metrics.streamsActive.Add(context.Background(), -1)
		r.span.SetAttributes(attribute.Int64("bytes", r.bytes))

		fields := []zap.Field{
			zap.Int64("bytes", r.bytes),
			zap.Duration("duration", time.Since(r.start)),
		}

		switch {
		case r.done:
			inc(r.metrics.streamsCompleted)
			r.logger.Info("stream complete", fields...)
		case r.err != nil:
			inc(r.metrics.streamsInterrupted)
			r.span.RecordError(r.err)
			r.span.SetStatus(codes.Error, "stream interrupted")
			r.logger.Warn("stream interrupted", append(fields, zap.Error(r.err))...)
		default:
			inc(r.metrics.streamsInterrupted)
			r.span.SetStatus(codes.Error, "client disconnected")
			r.logger.Info("client disconnected", fields...)
		}

		r.span.End()
	})
	return closeErr
}

func truncate(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
