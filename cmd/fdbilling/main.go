package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/folkdrive/fdbilling/cmd/fdbilling/cli"
	"github.com/folkdrive/fdbilling/internal/app"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping fdbilling startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fdbilling:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfg    *app.Config
		logger *slog.Logger
	)
	root := &cobra.Command{
		Use:           "fdbilling",
		Short:         "Financial document engine for work orders, invoices and payments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = app.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger = app.NewLogger(cfg)
			slog.SetDefault(logger)
			return nil
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run the background worker, overdue cron and ops listener",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), cfg, logger)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Run one overdue sweep in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cfg, logger)
		},
	})
	root.AddCommand(cli.NewJobsCommand(func() (*cli.JobsCLI, error) {
		return cli.NewJobsCLI(cfg.RedisAddr)
	}))
	return root
}
