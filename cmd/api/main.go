package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"invoice-pipeline/internal/api"
	"invoice-pipeline/internal/artifacts"
	"invoice-pipeline/internal/backoff"
	"invoice-pipeline/internal/config"
	"invoice-pipeline/internal/logging"
	"invoice-pipeline/internal/notify"
	"invoice-pipeline/internal/pipeline"
	"invoice-pipeline/internal/queue"
	"invoice-pipeline/internal/ratelimit"
	"invoice-pipeline/internal/status"
	"invoice-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	blobs, err := artifacts.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init artifact store", "error", err)
		os.Exit(1)
	}

	rdb := queue.NewClient(cfg)
	defer rdb.Close()
	invoices := queue.NewRedisQueue(rdb, queue.Extraction, cfg.VisibilityTimeout)
	notifications := queue.NewRedisQueue(rdb, queue.Notifications, cfg.VisibilityTimeout)

	dispatcher := notify.New(st, notifications, notify.Config{
		Endpoint: cfg.NotifyEndpoint,
		Secret:   cfg.NotifySecret,
		Timeout:  cfg.NotifyTimeout,
		Backoff:  backoff.Policy{Base: cfg.NotifyBackoffInitial, Max: cfg.NotifyBackoffMax},
	}, logger)

	// Extraction runs in the worker; this process only ingests.
	orch := pipeline.New(st, blobs, nil, invoices, dispatcher, pipeline.Config{
		MaxAttempts:       cfg.MaxAttempts,
		Backoff:           backoff.Policy{Base: cfg.BackoffInitial, Max: cfg.BackoffMax},
		ExtractionTimeout: cfg.ExtractionTimeout,
		NotifyMaxAttempts: cfg.NotifyMaxAttempts,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		StallGrace:        cfg.StallGrace,
	}, logger)

	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(api.Config{
		MaxUploadBytes: cfg.MaxUploadBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	}, orch, status.NewService(st), st, notifications, limiter, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
