package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/observability"
	"github.com/rendis/stepflow/internal/transport/httpapi"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd, cfg, os.Stderr)
		},
	}
}

func runServe(cmd *cobra.Command, cfg Config, logOut io.Writer) error {
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(logOut, level, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.janitor.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: httpapi.NewRouter(httpapi.Dependencies{
			API:            a.service,
			Metrics:        a.metrics,
			MetricsHandler: observability.Handler(a.registry),
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown", slog.String("error", err.Error()))
			}
			return nil
		case err, ok := <-errCh:
			if ok {
				return err
			}
			return nil
		case <-hup:
			cfg = reload(cmd, cfg, level, logger)
		}
	}
}

// reload re-reads the configuration on SIGHUP. Only the log level applies
// live; other changes are reported and wait for a restart.
func reload(cmd *cobra.Command, cfg Config, level *slog.LevelVar, logger *slog.Logger) Config {
	next, err := resolveConfig(cmd)
	if err != nil {
		logger.Error("reload config", slog.String("error", err.Error()))
		return cfg
	}
	diff := diffConfigs(cfg, next)
	if diff.LogLevelChanged {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.Info("log level changed", slog.String("level", next.LogLevel))
	}
	if len(diff.RestartNeeded) > 0 {
		logger.Warn("config changes need a restart", slog.Any("fields", diff.RestartNeeded))
	}
	return next
}
