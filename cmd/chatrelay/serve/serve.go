package servecmder

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/chatrelay/cmd/chatrelay/cliconfig"
	"github.com/papercomputeco/chatrelay/pkg/auth"
	"github.com/papercomputeco/chatrelay/pkg/config"
	"github.com/papercomputeco/chatrelay/pkg/logger"
	"github.com/papercomputeco/chatrelay/pkg/storage"
	"github.com/papercomputeco/chatrelay/pkg/storage/inmemory"
	"github.com/papercomputeco/chatrelay/pkg/storage/sqlite"
	"github.com/papercomputeco/chatrelay/pkg/telemetry"
	"github.com/papercomputeco/chatrelay/pkg/upstream"
	"github.com/papercomputeco/chatrelay/relay"
)

const serveLongDesc string = `Run the chat relay server.

The server exposes POST /api/chat, which streams the upstream model's
reply back as chunked plain text, and the conversation API under
/api/conversations. Every /api route requires a bearer token listed
under [[auth.sessions]]; edits to the session table in the config
file take effect without a restart.

Examples:
  chatrelay serve
  chatrelay serve --listen :9090 --sqlite ~/.chatrelay/chatrelay.db
  OPENAI_API_KEY=sk-... chatrelay serve --config /etc/chatrelay.toml`

const serveShortDesc string = "Run the relay server"

// shutdownTimeout bounds how long in-flight streams may keep the server up
// after a stop signal.
const shutdownTimeout = 10 * time.Second

type serveCommander struct{}

func NewServeCmd() *cobra.Command {
	cmder := &serveCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd)
		},
	}

	cmd.Flags().StringP("listen", "l", "", "Address to listen on (overrides server.listen)")
	cmd.Flags().StringP("sqlite", "s", "", "Path to SQLite database (overrides storage.sqlite_path)")
	cmd.Flags().String("upstream", "", "Upstream provider URL (overrides upstream.url)")

	return cmd
}

func (c *serveCommander) run(ctx context.Context, cmd *cobra.Command) error {
	loader, cfg, err := cliconfig.Load(cmd)
	if err != nil {
		return err
	}
	cliconfig.Override(cmd, "listen", &cfg.Server.Listen)
	cliconfig.Override(cmd, "sqlite", &cfg.Storage.SQLitePath)
	cliconfig.Override(cmd, "upstream", &cfg.Upstream.URL)

	log := logger.NewLogger(cliconfig.Debug(cmd))
	defer log.Sync()

	log.Info("chatrelay server starting",
		zap.String("config", loader.File()),
		zap.String("listen", cfg.Server.Listen),
		zap.String("provider", cfg.Upstream.Provider),
		zap.String("upstream", cfg.Upstream.URL),
		zap.String("model", cfg.Upstream.Model),
	)

	metrics, shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("could not set up telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Warn("failed to flush telemetry", zap.Error(err))
		}
	}()

	store, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer store.Close()

	completer, err := upstream.New(upstream.Config{
		Provider: cfg.Upstream.Provider,
		URL:      cfg.Upstream.URL,
		APIKey:   cfg.Upstream.APIKey,
	}, log)
	if err != nil {
		return fmt.Errorf("could not configure upstream: %w", err)
	}

	sessions := auth.NewSessions(cfg.Auth.Sessions)
	if sessions.Len() == 0 {
		log.Warn("no auth sessions configured, every /api request will be rejected")
	}
	loader.Watch(log, func(next *config.Config) {
		sessions.Replace(next.Auth.Sessions)
		log.Info("reloaded auth sessions", zap.Int("sessions", sessions.Len()))
	})

	srv, err := relay.New(relay.Config{
		ListenAddr:        cfg.Server.Listen,
		Model:             cfg.Upstream.Model,
		Temperature:       cfg.Upstream.Temperature,
		MaxTokens:         cfg.Upstream.MaxTokens,
		UpstreamTimeout:   cfg.Upstream.Timeout,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
		Metrics:           metrics,
	}, completer, store, sessions, log)
	if err != nil {
		return fmt.Errorf("could not create relay server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("relay server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down relay server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (storage.Driver, error) {
	if cfg.SQLitePath == "" {
		log.Info("using in-memory storage")
		return inmemory.NewDriver(), nil
	}

	driver, err := sqlite.NewDriver(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("could not open database %s: %w", cfg.SQLitePath, err)
	}
	log.Info("using SQLite storage", zap.String("path", cfg.SQLitePath))
	return driver, nil
}
