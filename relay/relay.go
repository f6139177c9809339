// Package relay provides the chat relay server: an authenticated endpoint
// that streams a language model reply back to the caller as it is produced,
// plus the conversation store API the chat client persists turns through.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/pkg/auth"
	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/telemetry"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
)

// Server relays chat exchanges to the upstream model and serves the
// conversation store.
type Server struct {
	config    Config
	completer upstream.Completer
	store     storage.Driver
	limiter   *limiter
	tracer    trace.Tracer
	telemetry *telemetry.Metrics
	metrics   *relayMetrics
	logger    *zap.Logger
	server    *fiber.App
}

// New creates a new Server. Every /api route is gated by authn.
func New(config Config, completer upstream.Completer, store storage.Driver, authn auth.Authenticator, logger *zap.Logger) (*Server, error) {
	if completer == nil {
		return nil, errors.New("upstream completer is required")
	}
	if store == nil {
		return nil, errors.New("conversation store is required")
	}
	if authn == nil {
		return nil, errors.New("authenticator is required")
	}

	tm := config.Metrics
	if tm == nil {
		tm = telemetry.NewMetrics()
	}
	metrics, err := newRelayMetrics(tm.Meter("chatrelay/relay"))
	if err != nil {
		return nil, fmt.Errorf("creating relay metrics: %w", err)
	}

	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
	})

	s := &Server{
		config:    config,
		completer: completer,
		store:     store,
		tracer:    telemetry.Tracer(),
		telemetry: tm,
		metrics:   metrics,
		logger:    logger,
		server:    app,
	}
	if config.RequestsPerMinute > 0 {
		s.limiter = newLimiter(config.RequestsPerMinute)
	}

	app.Use(recover.New())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(map[string]string{"status": "ok"})
	})

	// Relay counters
	app.Get("/debug/metrics", adaptor.HTTPHandler(tm.Handler()))

	api := app.Group("/api", auth.Middleware(authn, logger))
	api.Post("/chat", s.handleChat)

	api.Get("/conversations", s.handleListConversations)
	api.Post("/conversations", s.handleCreateConversation)
	api.Put("/conversations/:id", s.handleRenameConversation)
	api.Delete("/conversations/:id", s.handleDeleteConversation)
	api.Get("/conversations/:id/messages", s.handleListMessages)
	api.Post("/conversations/:id/messages", s.handlePutMessage)

	return s, nil
}

// Run starts the relay server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting relay server",
		zap.String("listen", s.config.ListenAddr),
		zap.String("model", s.config.Model),
		zap.Duration("upstream_timeout", s.config.upstreamTimeout()),
	)

	return s.server.Listen(s.config.ListenAddr)
}

// RunListener serves on an existing listener.
func (s *Server) RunListener(ln net.Listener) error {
	s.logger.Info("starting relay server", zap.String("listen", ln.Addr().String()))
	return s.server.Listener(ln)
}

// Shutdown stops accepting connections and waits for active ones, including
// in-flight streams, until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.ShutdownWithContext(ctx)
}

func errorResponse(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(llm.ErrorResponse{Error: msg})
}
