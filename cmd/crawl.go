package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arachne-project/arachne/internal/app"
	"github.com/arachne-project/arachne/internal/config"
)

// newCrawlCmd creates and configures the 'crawl' subcommand. It runs the
// scheduler, the worker pool and the ops HTTP server until interrupted.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Starts the crawl service",
		Long: `Starts the long-running crawl service: the task spool is reconciled
with the configured sites, workers begin fetching directory listings and
the HTTP endpoint serves search, status and metrics. The service runs
until it receives SIGINT or SIGTERM.`,

		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl: %w", err)
	}
	a.Logger().Info("crawl service stopped")
	return nil
}
