package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpattn/surveyingest/internal/auth"
	"github.com/rpattn/surveyingest/internal/config"
	"github.com/rpattn/surveyingest/internal/db"
	"github.com/rpattn/surveyingest/internal/intake"
	"github.com/rpattn/surveyingest/internal/logger"
	"github.com/rpattn/surveyingest/internal/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/spf13/cobra"
)

func newServeCommand(stdout, stderr io.Writer) *cobra.Command {
	var autoMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload intake HTTP API.",
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
			return runServe(ctx, cfg, log, autoMigrate)
		},
	}
	cmd.Flags().BoolVar(&autoMigrate, "migrate", true, "Apply pending database migrations before serving.")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, log *logger.Logger, autoMigrate bool) error {
	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	if autoMigrate {
		if err := db.RunMigrations(cfg.Database); err != nil {
			return err
		}
	}

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

	service := intake.NewService(blobs, repos.jobs, repos.jobErrors, q, log, intakeOptions(cfg))
	reg := newRegistry()
	router := newRouter(service, tokens, log, reg, cfg.HTTP.AllowedOrigins)
	return serveHTTP(ctx, log, httpServer(cfg.HTTP, router), cfg.HTTP.ShutdownTimeout)
}

func intakeOptions(cfg config.Config) intake.Options {
	return intake.Options{
		MaxUploadBytes:    cfg.Ingestion.MaxUploadBytes,
		ValidationTimeout: cfg.Ingestion.ValidationTimeout,
		KeyPrefix:         cfg.Storage.Prefix,
		RecentJobsLimit:   cfg.Ingestion.RecentJobsLimit,
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newRouter mounts the authenticated upload routes next to the health and
// metrics endpoints.
func newRouter(service *intake.Service, tokens *auth.TokenService, log *logger.Logger, reg *prometheus.Registry, origins []string) http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.NewHTTPMetrics(reg).Middleware)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(tokens.Middleware)
	intake.NewHTTPHandler(service, log).Register(api)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
	})
	return corsHandler.Handler(middleware.LoggingMiddleware(log)(r))
}

func httpServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
}

// serveHTTP runs server until ctx is cancelled, then drains it within grace.
func serveHTTP(ctx context.Context, log *logger.Logger, server *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server on %s: %w", server.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down http server", "addr", server.Addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server forced to shutdown: %w", err)
	}
	return nil
}
