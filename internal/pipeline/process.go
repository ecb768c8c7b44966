package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"invoice-pipeline/internal/artifacts"
	"invoice-pipeline/internal/extraction"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
	"invoice-pipeline/internal/telemetry"
)

// ParsedDocument is the JSON written to the parsed artifact of a READY invoice.
type ParsedDocument struct {
	InvoiceID   string                `json:"invoice_id"`
	Summary     models.InvoiceSummary `json:"summary"`
	LineItems   []models.LineItem     `json:"line_items"`
	ExtractedAt time.Time             `json:"extracted_at"`
}

// claimable reports whether a worker may start an attempt on rec at now.
func claimable(rec models.InvoiceRecord, now time.Time) bool {
	switch rec.State {
	case models.StatePending:
		return true
	case models.StateExtracting:
		if rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(now) {
			return true
		}
		return rec.LeaseExpiresAt != nil && !rec.LeaseExpiresAt.After(now)
	}
	return false
}

// Process runs one extraction attempt for id if the invoice is claimable.
// Losing a claim or a later write to another worker is not an error. A
// non-nil return means the outcome could not be recorded and the message
// should be redelivered.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	rec, err := o.repo.GetInvoice(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("dropping message for unknown invoice", "invoice_id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", id, err)
	}

	now := o.now()
	if !claimable(rec, now) {
		o.logger.Debug("invoice not claimable", "invoice_id", id, "state", rec.State)
		return nil
	}

	if rec.AttemptCount >= rec.MaxAttempts {
		// Only reachable when the final attempt's lease expired.
		return o.finish(ctx, rec, extraction.Transient(errors.New("final attempt did not complete before its lease expired")))
	}

	claim := rec.Clone()
	claim.State = models.StateExtracting
	claim.AttemptCount++
	claim.NextAttemptAt = nil
	lease := now.Add(o.cfg.LeaseDuration)
	claim.LeaseExpiresAt = &lease
	claim.Error = nil
	claim.UpdatedAt = now

	claimed, err := o.repo.ApplyTransition(ctx, store.Transition{From: rec.State, Version: rec.Version, Next: claim})
	if err != nil {
		return o.lost(err, id, "claim")
	}

	telemetry.ExtractionAttempt.Inc()
	o.logger.Info("attempt started", "invoice_id", id, "attempt", claimed.AttemptCount, "max_attempts", claimed.MaxAttempts)
	return o.attempt(ctx, claimed)
}

// attempt runs one claimed attempt. Artifact and extraction I/O share a
// deadline of one lease. An attempt that finds its lease expired stops
// there and leaves the record to whoever reclaimed it.
func (o *Orchestrator) attempt(ctx context.Context, rec models.InvoiceRecord) error {
	ioCtx, cancel := context.WithTimeout(ctx, o.cfg.LeaseDuration)
	defer cancel()

	raw, err := o.artifacts.Get(ioCtx, rec.RawArtifactKey)
	if err != nil {
		return o.finish(ctx, rec, extraction.Transient(fmt.Errorf("read raw artifact: %w", err)))
	}
	if !o.leaseHeld(rec) {
		return nil
	}

	start := time.Now()
	res, err := o.extractor.Extract(ioCtx, raw, rec.ContentType)
	telemetry.ExtractionLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return o.finish(ctx, rec, err)
	}
	if len(res.LineItems) == 0 {
		return o.finish(ctx, rec, extraction.Permanent(extraction.ErrNoLineItems))
	}

	now := o.now()
	summary := res.Summary()
	key := artifacts.ParsedKey(rec.ID)
	body, err := json.Marshal(ParsedDocument{
		InvoiceID:   rec.ID,
		Summary:     summary,
		LineItems:   res.LineItems,
		ExtractedAt: now,
	})
	if err != nil {
		return o.finish(ctx, rec, extraction.Permanent(fmt.Errorf("encode parsed artifact: %w", err)))
	}
	if !o.leaseHeld(rec) {
		return nil
	}
	if err := o.artifacts.Put(ioCtx, key, body, "application/json"); err != nil {
		return o.finish(ctx, rec, extraction.Transient(fmt.Errorf("write parsed artifact: %w", err)))
	}

	ready := rec.Clone()
	ready.State = models.StateReady
	ready.ParsedArtifactKey = &key
	ready.LineItems = res.LineItems
	ready.Summary = &summary
	ready.Error = nil
	ready.NextAttemptAt = nil
	ready.LeaseExpiresAt = nil
	ready.UpdatedAt = now

	task, err := models.NewProcessedTask(ready, o.cfg.NotifyMaxAttempts, now)
	if err != nil {
		return o.finish(ctx, rec, extraction.Permanent(fmt.Errorf("build notification: %w", err)))
	}

	saved, err := o.repo.ApplyTransition(ctx, store.Transition{
		From:    models.StateExtracting,
		Version: rec.Version,
		Next:    ready,
		Notify:  &task,
	})
	if err != nil {
		return o.lost(err, rec.ID, "ready")
	}

	telemetry.InvoicesReady.Inc()
	o.audit(ctx, rec.ID, "ready", fmt.Sprintf("attempt=%d line_items=%d", saved.AttemptCount, len(saved.LineItems)))
	o.logger.Info("invoice ready", "invoice_id", rec.ID, "attempt", saved.AttemptCount, "line_items", len(saved.LineItems))

	if err := o.notifier.Enqueue(ctx, task); err != nil {
		// The task row is durable; the notification sweep retries the hand-off.
		o.logger.Warn("notification enqueue failed", "invoice_id", rec.ID, "task_id", task.ID, "error", err)
	}
	return nil
}

// leaseHeld reports whether rec's lease is still live. Once it has expired
// another worker may have claimed the invoice.
func (o *Orchestrator) leaseHeld(rec models.InvoiceRecord) bool {
	if rec.LeaseExpiresAt == nil || o.now().Before(*rec.LeaseExpiresAt) {
		return true
	}
	telemetry.TransitionClashes.Inc()
	o.logger.Warn("lease expired during attempt", "invoice_id", rec.ID, "attempt", rec.AttemptCount, "lease_expires_at", *rec.LeaseExpiresAt)
	return false
}

// finish records a failed attempt: permanent errors and exhausted attempts
// fail the invoice, other errors schedule the next attempt.
func (o *Orchestrator) finish(ctx context.Context, rec models.InvoiceRecord, cause error) error {
	now := o.now()
	next := rec.Clone()
	next.LeaseExpiresAt = nil
	next.NextAttemptAt = nil
	next.UpdatedAt = now

	var retryAt time.Time
	switch {
	case extraction.IsPermanent(cause):
		next.State = models.StateFailed
		next.Error = &models.FailureDetail{Kind: models.FailurePermanent, Message: cause.Error()}
	case rec.AttemptCount >= rec.MaxAttempts:
		next.State = models.StateFailed
		next.Error = &models.FailureDetail{Kind: models.FailureTransientExhausted, Message: cause.Error()}
	default:
		retryAt = now.Add(o.cfg.Backoff.Delay(rec.AttemptCount))
		next.NextAttemptAt = &retryAt
	}

	saved, err := o.repo.ApplyTransition(ctx, store.Transition{From: rec.State, Version: rec.Version, Next: next})
	if err != nil {
		return o.lost(err, rec.ID, "record failure")
	}

	if saved.State == models.StateFailed {
		telemetry.InvoicesFailed.WithLabelValues(saved.Error.Kind).Inc()
		o.audit(ctx, rec.ID, "failed", fmt.Sprintf("kind=%s attempt=%d: %s", saved.Error.Kind, saved.AttemptCount, saved.Error.Message))
		o.logger.Warn("invoice failed", "invoice_id", rec.ID, "kind", saved.Error.Kind, "attempt", saved.AttemptCount, "error", cause)
		return nil
	}

	telemetry.RetriesScheduled.Inc()
	o.audit(ctx, rec.ID, "retry_scheduled", fmt.Sprintf("attempt=%d next=%s: %v", saved.AttemptCount, retryAt.Format(time.RFC3339), cause))
	o.logger.Info("attempt failed, retry scheduled", "invoice_id", rec.ID, "attempt", saved.AttemptCount, "next_attempt_at", retryAt, "error", cause)
	if err := o.queue.Enqueue(ctx, rec.ID, retryAt); err != nil {
		o.logger.Warn("retry enqueue failed", "invoice_id", rec.ID, "error", err)
	}
	return nil
}

// lost turns a compare-and-set conflict into a silent abort.
func (o *Orchestrator) lost(err error, id, step string) error {
	if errors.Is(err, store.ErrConflict) {
		telemetry.TransitionClashes.Inc()
		o.logger.Debug("lost transition race", "invoice_id", id, "step", step)
		return nil
	}
	return fmt.Errorf("%s invoice %s: %w", step, id, err)
}
