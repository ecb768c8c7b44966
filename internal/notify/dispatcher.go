// Package notify delivers invoice completion webhooks at least once.
//
// Tasks live in the repository (written together with the READY transition);
// the queue only carries task ids. Delivery outcomes never touch invoice state.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"invoice-pipeline/internal/backoff"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
	"invoice-pipeline/internal/telemetry"
)

// Queue carries task ids to delivery workers.
type Queue interface {
	Enqueue(ctx context.Context, id string, runAt time.Time) error
	DLQPush(ctx context.Context, id string) error
}

// Config configures webhook delivery. An empty Endpoint disables delivery;
// tasks are then marked DELIVERED as soon as they are enqueued.
type Config struct {
	Endpoint string
	Secret   string
	Timeout  time.Duration
	Backoff  backoff.Policy
}

// Dispatcher sends notification tasks to the configured endpoint.
type Dispatcher struct {
	repo   store.Repository
	queue  Queue
	client *http.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// New returns a dispatcher.
func New(repo store.Repository, q Queue, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		repo:   repo,
		queue:  q,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		logger: logger.With("system", "notify"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue hands a task to the delivery queue without blocking on delivery.
// Finished tasks are ignored.
func (d *Dispatcher) Enqueue(ctx context.Context, task models.NotificationTask) error {
	if task.Status != models.NotificationQueued {
		return nil
	}
	if d.cfg.Endpoint == "" {
		_, err := d.markDelivered(ctx, task, task.AttemptCount)
		return err
	}
	if err := d.queue.Enqueue(ctx, task.ID, task.NextAttemptAt); err != nil {
		return fmt.Errorf("enqueue notification %s: %w", task.ID, err)
	}
	return nil
}

// Deliver makes one delivery attempt for a task. Conflicting updates and
// finished tasks end the call quietly. A returned error means the outcome
// could not be recorded.
func (d *Dispatcher) Deliver(ctx context.Context, taskID string) error {
	task, err := d.repo.GetNotification(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("dropping unknown notification task", "task_id", taskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load notification %s: %w", taskID, err)
	}
	if task.Status != models.NotificationQueued {
		return nil
	}

	now := d.now()
	if task.NextAttemptAt.After(now) {
		return d.queue.Enqueue(ctx, task.ID, task.NextAttemptAt)
	}
	if d.cfg.Endpoint == "" {
		_, err := d.markDelivered(ctx, task, task.AttemptCount)
		return err
	}
	if task.AttemptCount >= task.MaxAttempts {
		return d.recordFailure(ctx, task, errors.New("delivery attempts exhausted"))
	}

	// Count the attempt before sending and hold the task while the request runs.
	claim := task
	claim.AttemptCount++
	claim.NextAttemptAt = now.Add(2 * d.cfg.Timeout)
	claim.UpdatedAt = now
	claimed, err := d.repo.UpdateNotification(ctx, store.NotificationUpdate{
		FromStatus:   models.NotificationQueued,
		FromAttempts: task.AttemptCount,
		Next:         claim,
	})
	if err != nil {
		return d.ignoreConflict(err, taskID)
	}

	sendErr := d.post(ctx, claimed)
	if sendErr == nil {
		_, err := d.markDelivered(ctx, claimed, claimed.AttemptCount)
		return err
	}
	return d.recordFailure(ctx, claimed, sendErr)
}

func (d *Dispatcher) post(ctx context.Context, task models.NotificationTask) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(task.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", task.EventType)
	req.Header.Set("X-Delivery-ID", task.ID)
	if d.cfg.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(d.cfg.Secret, task.Payload))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) markDelivered(ctx context.Context, task models.NotificationTask, fromAttempts int) (models.NotificationTask, error) {
	now := d.now()
	next := task
	next.Status = models.NotificationDelivered
	next.DeliveredAt = &now
	next.LastError = nil
	next.UpdatedAt = now
	saved, err := d.repo.UpdateNotification(ctx, store.NotificationUpdate{
		FromStatus:   models.NotificationQueued,
		FromAttempts: fromAttempts,
		Next:         next,
	})
	if err != nil {
		return models.NotificationTask{}, d.ignoreConflict(err, task.ID)
	}
	telemetry.NotificationsDelivered.Inc()
	d.logger.Info("notification delivered", "task_id", task.ID, "invoice_id", task.InvoiceID, "attempts", saved.AttemptCount)
	return saved, nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, task models.NotificationTask, cause error) error {
	now := d.now()
	msg := cause.Error()
	next := task
	next.LastError = &msg
	next.UpdatedAt = now

	abandon := task.AttemptCount >= task.MaxAttempts
	if abandon {
		next.Status = models.NotificationAbandoned
	} else {
		next.NextAttemptAt = now.Add(d.cfg.Backoff.Delay(task.AttemptCount))
	}

	saved, err := d.repo.UpdateNotification(ctx, store.NotificationUpdate{
		FromStatus:   models.NotificationQueued,
		FromAttempts: task.AttemptCount,
		Next:         next,
	})
	if err != nil {
		return d.ignoreConflict(err, task.ID)
	}

	telemetry.NotificationFailures.Inc()
	if abandon {
		telemetry.NotificationsAbandoned.Inc()
		d.logger.Error("notification abandoned",
			"task_id", task.ID, "invoice_id", task.InvoiceID, "attempts", saved.AttemptCount, "error", cause)
		if err := d.queue.DLQPush(ctx, task.ID); err != nil {
			d.logger.Warn("dead-letter push failed", "task_id", task.ID, "error", err)
		}
		return nil
	}

	d.logger.Warn("notification attempt failed",
		"task_id", task.ID, "attempt", saved.AttemptCount, "next_attempt_at", saved.NextAttemptAt, "error", cause)
	if err := d.queue.Enqueue(ctx, task.ID, saved.NextAttemptAt); err != nil {
		d.logger.Warn("notification re-enqueue failed", "task_id", task.ID, "error", err)
	}
	return nil
}

// Recover re-enqueues QUEUED tasks whose next attempt is due. It repairs
// hand-offs lost between the READY write and the queue.
func (d *Dispatcher) Recover(ctx context.Context, limit int) (int, error) {
	now := d.now()
	ids, err := d.repo.ListDueNotifications(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list due notifications: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := d.queue.Enqueue(ctx, id, now); err != nil {
			return n, fmt.Errorf("re-enqueue notification %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

func (d *Dispatcher) ignoreConflict(err error, taskID string) error {
	if errors.Is(err, store.ErrConflict) {
		telemetry.TransitionClashes.Inc()
		d.logger.Debug("lost notification race", "task_id", taskID)
		return nil
	}
	return fmt.Errorf("update notification %s: %w", taskID, err)
}
