// Package worker consumes leased queue messages with a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"invoice-pipeline/internal/telemetry"
)

// Queue is the leased queue a Processor consumes.
type Queue interface {
	Name() string
	DequeueWithLease(ctx context.Context) (string, error)
	ExtendLease(ctx context.Context, id string, extension time.Duration) error
	Ack(ctx context.Context, id string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) (int, error)
	Depths(ctx context.Context) (ready, scheduled, inflight int64, err error)
}

// Handler processes one message. Returning an error leaves the message
// unacknowledged so it is redelivered once its lease expires.
type Handler func(ctx context.Context, id string) error

// Sweeper re-enqueues work found in durable storage that the queue no longer
// holds. It returns how many ids were re-enqueued.
type Sweeper func(ctx context.Context, limit int) (int, error)

// Options tune a Processor.
type Options struct {
	Concurrency         int
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	SweepInterval       time.Duration
	BatchSize           int
	// Visibility is the queue lease length; running handlers renew it at half that period.
	Visibility time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = 2 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	return o
}

// Processor drives the worker execution loop for one queue.
type Processor struct {
	queue   Queue
	handler Handler
	sweep   Sweeper
	opts    Options
	logger  *slog.Logger
}

func NewProcessor(q Queue, handler Handler, opts Options, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		queue:   q,
		handler: handler,
		opts:    opts.withDefaults(),
		logger:  logger.With("system", "worker", "queue", q.Name()),
	}
}

// WithSweeper registers a periodic repository sweep.
func (p *Processor) WithSweeper(s Sweeper) *Processor {
	p.sweep = s
	return p
}

// Run starts the consumers and the maintenance loop and blocks until ctx is
// cancelled.
func (p *Processor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(ctx) })
	for i := 0; i < p.opts.Concurrency; i++ {
		g.Go(func() error { return p.consume(ctx) })
	}
	p.logger.Info("worker started", "concurrency", p.opts.Concurrency)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Processor) consume(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		id, err := p.queue.DequeueWithLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("dequeue failed", "error", err)
			}
			if !sleep(ctx, p.opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}
		if id == "" {
			if !sleep(ctx, p.opts.PollInterval) {
				return ctx.Err()
			}
			continue
		}

		p.handle(ctx, id)
	}
}

func (p *Processor) handle(ctx context.Context, id string) {
	gauge := telemetry.InFlightGauge.WithLabelValues(p.queue.Name())
	gauge.Inc()
	defer gauge.Dec()

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(hctx, id)

	if err := p.run(hctx, id); err != nil {
		p.logger.Warn("handler failed, message left for redelivery", "id", id, "error", err)
		return
	}
	// Acknowledge even if shutdown started while the handler ran.
	if err := p.queue.Ack(context.WithoutCancel(ctx), id); err != nil {
		p.logger.Warn("ack failed", "id", id, "error", err)
	}
}

func (p *Processor) run(ctx context.Context, id string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, id)
}

// heartbeat keeps the lease of a long-running message alive.
func (p *Processor) heartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(p.opts.Visibility / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.ExtendLease(ctx, id, p.opts.Visibility); err != nil && ctx.Err() == nil {
				p.logger.Warn("lease extension failed", "id", id, "error", err)
			}
		}
	}
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.MaintenanceInterval)
	defer ticker.Stop()
	var lastSweep time.Time

	for {
		now := time.Now()
		p.tick(ctx, now)
		if p.sweep != nil && now.Sub(lastSweep) >= p.opts.SweepInterval {
			lastSweep = now
			if _, err := p.sweep(ctx, p.opts.BatchSize); err != nil && ctx.Err() == nil {
				p.logger.Warn("sweep failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// tick promotes due scheduled messages, reclaims expired leases and
// publishes queue depths.
func (p *Processor) tick(ctx context.Context, now time.Time) {
	batch := int64(p.opts.BatchSize)
	if _, err := p.queue.PromoteScheduled(ctx, now, batch); err != nil && ctx.Err() == nil {
		p.logger.Warn("promote scheduled failed", "error", err)
	}
	if n, err := p.queue.RequeueExpired(ctx, now, batch); err != nil && ctx.Err() == nil {
		p.logger.Warn("requeue expired failed", "error", err)
	} else if n > 0 {
		p.logger.Info("reclaimed expired leases", "count", n)
	}
	ready, scheduled, inflight, err := p.queue.Depths(ctx)
	if err != nil {
		return
	}
	name := p.queue.Name()
	telemetry.QueueDepthGauge.WithLabelValues(name, "ready").Set(float64(ready))
	telemetry.QueueDepthGauge.WithLabelValues(name, "scheduled").Set(float64(scheduled))
	telemetry.QueueDepthGauge.WithLabelValues(name, "inflight").Set(float64(inflight))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
