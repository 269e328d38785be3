package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Host string
	Port int
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the context worker",
		Long: `Run the rule engine behind the HTTP API.

Backing services follow the tier: community runs SQLite, an in-process LRU
cache and channel bus; pro connects to PostgreSQL, Redis and NATS.

Example:
  harrier serve --port 8080
  HARRIER_TIER=pro harrier serve --config harrier.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host (overrides config)")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", 0, "listen port (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := LoadConfig(opts.ConfigPath, os.Getenv)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port > 0 {
		cfg.Server.Port = opts.Port
	}
	if opts.Verbose {
		cfg.Logging.Level = "debug"
	}

	logger := NewLogger(cfg.Logging, cmd.OutOrStdout())
	slog.SetDefault(logger)

	logger.Info("starting harrier",
		"version", opts.Version,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	extra, err := extraRules(opts.RootOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load rules", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, logger, extra)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("failed to release resources", "error", err)
		}
	}()

	srv := api.NewServer(cfg.Server, api.Dependencies{
		Engine:    app.Engine,
		Repo:      app.Repo,
		Cache:     app.Cache,
		Bus:       app.Bus,
		Namespace: cfg.EventBus.Namespace,
		Tracker:   app.Tracker,
		Version:   opts.Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"rules", len(app.Engine.ListRules()),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case err := <-errCh:
		return WrapExitError(ExitCommandError, "server failed", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("harrier shutdown complete")
	return nil
}
