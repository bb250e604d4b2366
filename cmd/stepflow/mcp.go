package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/pkg/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			// stdout carries the protocol.
			logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

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
			srv := mcp.NewStepflowServer(mcp.StepflowServerDeps{
				API:     a.service,
				Version: version,
				Logger:  logger,
			})
			return srv.Serve(ctx)
		},
	}
}
