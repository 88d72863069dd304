package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/IshaanNene/pricewatch/internal/api"
	"github.com/IshaanNene/pricewatch/internal/jobs"
	"github.com/IshaanNene/pricewatch/internal/scheduler"
)

var serveAddr string

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background job workers and the scheduler",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides api.addr)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if serveAddr != "" {
		cfg.API.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	queue := jobs.NewQueue(&cfg.Jobs, a.metrics, logger)
	research := jobs.NewResearch(queue, a.orch, logger)
	if err := queue.Start(ctx); err != nil {
		return err
	}
	defer queue.Stop()

	sched := scheduler.New(cfg, a.storage.Research, a.prices, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := api.NewServer(&cfg.API, api.Deps{
		Research:   a.orch,
		Dispatcher: research,
		Jobs:       queue,
		Prices:     a.prices,
		Metrics:    a.metrics,
	}, logger)

	err = srv.Start(ctx)
	logger.Info("shutting down", zap.Error(err))
	return err
}
