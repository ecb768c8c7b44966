package pipeline

import (
	"context"
	"errors"
	"fmt"

	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
	"invoice-pipeline/internal/telemetry"
)

const markFailedTries = 3

// Retry moves a FAILED invoice back to EXTRACTING, due immediately. The
// attempt is counted when a worker claims it.
func (o *Orchestrator) Retry(ctx context.Context, id string) (models.InvoiceRecord, error) {
	rec, err := o.repo.GetInvoice(ctx, id)
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("load invoice %s: %w", id, err)
	}
	if !rec.Retryable() {
		return models.InvoiceRecord{}, fmt.Errorf("%w: state=%s attempts=%d/%d", ErrNotRetryable, rec.State, rec.AttemptCount, rec.MaxAttempts)
	}

	now := o.now()
	next := rec.Clone()
	next.State = models.StateExtracting
	next.Error = nil
	next.NextAttemptAt = &now
	next.LeaseExpiresAt = nil
	next.UpdatedAt = now

	saved, err := o.repo.ApplyTransition(ctx, store.Transition{From: models.StateFailed, Version: rec.Version, Next: next})
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("retry invoice %s: %w", id, err)
	}

	o.audit(ctx, id, "retry_requested", fmt.Sprintf("attempts=%d/%d", saved.AttemptCount, saved.MaxAttempts))
	o.logger.Info("retry requested", "invoice_id", id, "attempts", saved.AttemptCount)
	if err := o.queue.Enqueue(ctx, id, now); err != nil {
		o.logger.Warn("enqueue failed", "invoice_id", id, "error", err)
	}
	return saved, nil
}

// MarkFailed fails a PENDING or EXTRACTING invoice administratively. The
// failure is terminal; an attempt still running loses its next write.
func (o *Orchestrator) MarkFailed(ctx context.Context, id, reason string) (models.InvoiceRecord, error) {
	if reason == "" {
		reason = "failed by operator"
	}
	for try := 0; ; try++ {
		rec, err := o.repo.GetInvoice(ctx, id)
		if err != nil {
			return models.InvoiceRecord{}, fmt.Errorf("load invoice %s: %w", id, err)
		}
		if rec.State != models.StatePending && rec.State != models.StateExtracting {
			return models.InvoiceRecord{}, fmt.Errorf("%w: state=%s", ErrAlreadyTerminal, rec.State)
		}

		now := o.now()
		next := rec.Clone()
		next.State = models.StateFailed
		next.Error = &models.FailureDetail{Kind: models.FailureAdministrative, Message: reason}
		next.NextAttemptAt = nil
		next.LeaseExpiresAt = nil
		next.UpdatedAt = now

		saved, err := o.repo.ApplyTransition(ctx, store.Transition{From: rec.State, Version: rec.Version, Next: next})
		if errors.Is(err, store.ErrConflict) && try+1 < markFailedTries {
			continue
		}
		if err != nil {
			return models.InvoiceRecord{}, fmt.Errorf("fail invoice %s: %w", id, err)
		}

		telemetry.InvoicesFailed.WithLabelValues(models.FailureAdministrative).Inc()
		o.audit(ctx, id, "failed", "kind=administrative: "+reason)
		o.logger.Info("invoice failed by operator", "invoice_id", id, "reason", reason)
		return saved, nil
	}
}

// Recover re-enqueues invoices the queue may have lost: PENDING records
// older than the stall grace, due retries and expired leases.
func (o *Orchestrator) Recover(ctx context.Context, limit int) (int, error) {
	now := o.now()
	ids, err := o.repo.ListStalled(ctx, store.StalledQuery{
		Now:           now,
		PendingBefore: now.Add(-o.cfg.StallGrace),
		Limit:         limit,
	})
	if err != nil {
		return 0, fmt.Errorf("list stalled invoices: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := o.queue.Enqueue(ctx, id, now); err != nil {
			return n, fmt.Errorf("re-enqueue %s: %w", id, err)
		}
		n++
	}
	if n > 0 {
		o.logger.Info("re-enqueued stalled invoices", "count", n)
	}
	return n, nil
}
