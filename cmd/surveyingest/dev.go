package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/surveyingest/internal/auth"
	"github.com/rpattn/surveyingest/internal/blobstore"
	"github.com/rpattn/surveyingest/internal/config"
	"github.com/rpattn/surveyingest/internal/intake"
	"github.com/rpattn/surveyingest/internal/logger"
	"github.com/rpattn/surveyingest/internal/queue"
	"github.com/rpattn/surveyingest/internal/repository/memstore"
	"github.com/rpattn/surveyingest/internal/worker"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newDevCommand(stdout, stderr io.Writer) *cobra.Command {
	var (
		agents   []string
		tokenTTL time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run the API and a worker in one process on in-memory backends.",
		Long: `dev starts the intake API and a worker pool sharing an in-memory ledger,
blob store and queue. Nothing is persisted. A bearer token carrying both
ingestion capabilities is printed on startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				cfg.Auth.JWTSecret = uuid.NewString()
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runDev(ctx, cfg, log, stdout, agents, tokenTTL)
		},
	}
	cmd.Flags().StringSliceVar(&agents, "agent", []string{"alice", "bob"}, "Voice names to register as agents.")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 24*time.Hour, "Lifetime of the printed bearer token.")
	return cmd
}

func runDev(ctx context.Context, cfg config.Config, log *logger.Logger, stdout io.Writer, agents []string, tokenTTL time.Duration) error {
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	token, err := tokens.Issue(uuid.New(), []auth.Capability{auth.CapabilityIngestion, auth.CapabilityIngestionAdmin}, tokenTTL)
	if err != nil {
		return err
	}

	store := memstore.New()
	for _, name := range agents {
		store.AddAgent(name)
	}
	blobs := blobstore.NewMemoryStore()
	q := queue.NewMemoryQueue(cfg.Queue.VisibilityTimeout)

	reg := newRegistry()
	service := intake.NewService(blobs, store.Jobs(), store.JobErrors(), q, log, intakeOptions(cfg))
	w := worker.New(worker.Dependencies{
		Queue:     q,
		Blobs:     blobs,
		Jobs:      store.Jobs(),
		Surveys:   store.Surveys(),
		Agents:    store.Agents(),
		JobErrors: store.JobErrors(),
		Metrics:   worker.NewMetrics(reg),
		Logger:    log,
	}, workerConfig(cfg))

	if _, err := fmt.Fprintf(stdout, "dev server on %s\nagents: %v\ntoken: %s\n", cfg.HTTP.Addr, agents, token); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.NewPool(w, cfg.Worker.Concurrency).Run(ctx)
	})
	g.Go(func() error {
		router := newRouter(service, tokens, log, reg, cfg.HTTP.AllowedOrigins)
		return serveHTTP(ctx, log, httpServer(cfg.HTTP, router), cfg.HTTP.ShutdownTimeout)
	})
	return g.Wait()
}
