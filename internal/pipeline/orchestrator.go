// Package pipeline owns the invoice state machine.
//
// An invoice moves PENDING -> EXTRACTING -> READY or FAILED. Every move is a
// compare-and-set against the repository, so any number of workers may call
// Process for the same id and at most one of them runs a given attempt.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"invoice-pipeline/internal/artifacts"
	"invoice-pipeline/internal/backoff"
	"invoice-pipeline/internal/extraction"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
)

// Scheduler hands invoice ids to extraction workers. A runAt in the future
// defers delivery until then.
type Scheduler interface {
	Enqueue(ctx context.Context, id string, runAt time.Time) error
}

// Notifier accepts completion notifications for asynchronous delivery.
type Notifier interface {
	Enqueue(ctx context.Context, task models.NotificationTask) error
}

// Config holds the processing limits.
type Config struct {
	MaxAttempts       int
	Backoff           backoff.Policy
	ExtractionTimeout time.Duration
	// LeaseDuration is how long a claimed attempt may run before another
	// worker may reclaim it. Defaults to twice ExtractionTimeout.
	LeaseDuration     time.Duration
	NotifyMaxAttempts int
	MaxUploadBytes    int64
	StallGrace        time.Duration
}

// Orchestrator drives invoices through extraction.
type Orchestrator struct {
	repo      store.Repository
	artifacts artifacts.Store
	extractor extraction.Extractor
	queue     Scheduler
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger

	now   func() time.Time
	newID func() string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator replaces the random invoice id source.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New wires an orchestrator. The extractor is wrapped with the configured
// hard timeout. A nil extractor is allowed for processes that only ingest;
// attempts then fail transiently with ErrNoExtractor.
func New(repo store.Repository, blobs artifacts.Store, ex extraction.Extractor, q Scheduler, n Notifier, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.NotifyMaxAttempts <= 0 {
		cfg.NotifyMaxAttempts = 5
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * cfg.ExtractionTimeout
		if cfg.LeaseDuration <= 0 {
			cfg.LeaseDuration = 2 * time.Minute
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if ex == nil {
		ex = extraction.Func(func(context.Context, []byte, string) (extraction.Result, error) {
			return extraction.Result{}, extraction.Transient(ErrNoExtractor)
		})
	}
	o := &Orchestrator{
		repo:      repo,
		artifacts: blobs,
		extractor: extraction.WithTimeout(ex, cfg.ExtractionTimeout),
		queue:     q,
		notifier:  n,
		cfg:       cfg,
		logger:    logger.With("system", "pipeline"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) audit(ctx context.Context, id, event, detail string) {
	if err := o.repo.AppendAudit(ctx, id, event, detail); err != nil {
		o.logger.Warn("audit write failed", "invoice_id", id, "event", event, "error", err)
	}
}
