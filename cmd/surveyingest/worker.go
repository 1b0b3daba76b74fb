package main

import (
	"context"
	"io"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rpattn/surveyingest/internal/config"
	"github.com/rpattn/surveyingest/internal/logger"
	"github.com/rpattn/surveyingest/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCommand(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume upload jobs from the queue and write survey entries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkers(ctx, cfg, log)
		},
	}
	return cmd
}

func runWorkers(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	repos, err := openRepositories(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer repos.Close()

	blobs, closeBlobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeBlobs()

	q, closeQueue, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer closeQueue()

	reg := newRegistry()
	w := worker.New(worker.Dependencies{
		Queue:     q,
		Blobs:     blobs,
		Jobs:      repos.jobs,
		Surveys:   repos.surveys,
		Agents:    repos.agents,
		JobErrors: repos.jobErrors,
		Metrics:   worker.NewMetrics(reg),
		Logger:    log,
	}, workerConfig(cfg))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.NewPool(w, cfg.Worker.Concurrency).Run(ctx)
	})
	if cfg.Worker.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		server := httpServer(config.HTTPConfig{Addr: cfg.Worker.MetricsAddr}, metricsMux)
		g.Go(func() error {
			return serveHTTP(ctx, log, server, cfg.HTTP.ShutdownTimeout)
		})
	}
	return g.Wait()
}

func workerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		ChunkSize:    cfg.Ingestion.ChunkSize,
		Prefetch:     cfg.Worker.Prefetch,
		ReceiveWait:  cfg.Worker.ReceiveWait,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
		MaxAttempts:  cfg.Worker.MaxAttempts,
	}
}
