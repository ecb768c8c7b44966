package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"invoice-pipeline/internal/artifacts"
	"invoice-pipeline/internal/backoff"
	"invoice-pipeline/internal/config"
	"invoice-pipeline/internal/extraction"
	"invoice-pipeline/internal/logging"
	"invoice-pipeline/internal/notify"
	"invoice-pipeline/internal/pipeline"
	"invoice-pipeline/internal/queue"
	"invoice-pipeline/internal/store"
	"invoice-pipeline/internal/telemetry"
	"invoice-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(os.Stdout, cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	extractor, err := extraction.NewHTTPExtractor(extraction.HTTPConfig{
		Endpoint:    cfg.ExtractionEndpoint,
		APIKey:      cfg.ExtractionAPIKey,
		Timeout:     cfg.ExtractionTimeout,
		MaxImageDim: cfg.ExtractionMaxImageDim,
	}, logger)
	if err != nil {
		logger.Error("init extractor", "error", err)
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

	orch := pipeline.New(st, blobs, extractor, invoices, dispatcher, pipeline.Config{
		MaxAttempts:       cfg.MaxAttempts,
		Backoff:           backoff.Policy{Base: cfg.BackoffInitial, Max: cfg.BackoffMax},
		ExtractionTimeout: cfg.ExtractionTimeout,
		NotifyMaxAttempts: cfg.NotifyMaxAttempts,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		StallGrace:        cfg.StallGrace,
	}, logger)

	extractors := worker.NewProcessor(invoices, orch.Process, worker.Options{
		Concurrency:  cfg.ExtractionWorkers,
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.SweepBatchSize,
		Visibility:   cfg.VisibilityTimeout,
	}, logger).WithSweeper(orch.Recover)

	notifiers := worker.NewProcessor(notifications, dispatcher.Deliver, worker.Options{
		Concurrency:  cfg.NotifyWorkers,
		PollInterval: cfg.WorkerPollInterval,
		BatchSize:    cfg.SweepBatchSize,
		Visibility:   cfg.VisibilityTimeout,
	}, logger).WithSweeper(dispatcher.Recover)

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("worker started",
		"extraction_workers", cfg.ExtractionWorkers,
		"notify_workers", cfg.NotifyWorkers,
		"visibility", cfg.VisibilityTimeout,
		"max_attempts", cfg.MaxAttempts,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return extractors.Run(gctx) })
	g.Go(func() error { return notifiers.Run(gctx) })
	if err := g.Wait(); err != nil {
		logger.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
