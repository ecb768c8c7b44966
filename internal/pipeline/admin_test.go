package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"invoice-pipeline/internal/extraction"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
)

func TestRetryAfterPermanentFailure(t *testing.T) {
	ex := &countingExtractor{fn: func(_ context.Context, call int) (extraction.Result, error) {
		if call == 1 {
			return extraction.Result{}, extraction.Permanent(errors.New("unsupported layout"))
		}
		return twoLineResult(), nil
	}}
	h := newHarness(t, ex, nil)
	rec := h.ingestCSV(t)
	h.runAttempt(t, rec.ID)

	retried, err := h.orch.Retry(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.State != models.StateExtracting || retried.Error != nil || retried.AttemptCount != 1 {
		t.Fatalf("unexpected record after retry %+v", retried)
	}
	if retried.NextAttemptAt == nil {
		t.Fatalf("retry should be due immediately")
	}
	if h.queue.count(rec.ID) != 2 {
		t.Fatalf("retry must enqueue the invoice")
	}

	got := h.runAttempt(t, rec.ID)
	if got.State != models.StateReady || got.AttemptCount != 2 {
		t.Fatalf("expected READY on attempt 2, got %s attempt=%d", got.State, got.AttemptCount)
	}
}

func TestRetryRejected(t *testing.T) {
	ex := &countingExtractor{fn: func(context.Context, int) (extraction.Result, error) {
		return extraction.Result{}, extraction.Transient(errors.New("upstream 502"))
	}}
	h := newHarness(t, ex, nil)
	ctx := context.Background()

	exhausted := h.ingestCSV(t)
	for i := 0; i < 3; i++ {
		h.runAttempt(t, exhausted.ID)
	}
	if _, err := h.orch.Retry(ctx, exhausted.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("exhausted invoice: expected ErrNotRetryable, got %v", err)
	}

	pending := h.ingestCSV(t)
	if _, err := h.orch.Retry(ctx, pending.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("pending invoice: expected ErrNotRetryable, got %v", err)
	}

	if _, err := h.orch.MarkFailed(ctx, pending.ID, "duplicate upload"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := h.orch.Retry(ctx, pending.ID); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("administrative failure: expected ErrNotRetryable, got %v", err)
	}

	if _, err := h.orch.Retry(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkFailedWinsOverRunningAttempt(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	ex := &countingExtractor{fn: func(context.Context, int) (extraction.Result, error) {
		close(started)
		<-release
		return twoLineResult(), nil
	}}
	h := newHarness(t, ex, nil)
	rec := h.ingestCSV(t)

	done := make(chan error, 1)
	go func() { done <- h.orch.Process(context.Background(), rec.ID) }()
	<-started

	failed, err := h.orch.MarkFailed(context.Background(), rec.ID, "vendor withdrew invoice")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Error.Kind != models.FailureAdministrative {
		t.Fatalf("unexpected failure kind %q", failed.Error.Kind)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := h.repo.GetInvoice(context.Background(), rec.ID)
	if got.State != models.StateFailed || got.Error.Kind != models.FailureAdministrative {
		t.Fatalf("administrative failure must stick, got %s %+v", got.State, got.Error)
	}
	if tasks, _ := h.repo.ListNotifications(context.Background(), rec.ID); len(tasks) != 0 {
		t.Fatalf("no notification for a failed invoice")
	}
	if _, err := h.orch.MarkFailed(context.Background(), rec.ID, "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestRecoverFindsStalledInvoices(t *testing.T) {
	ex := &countingExtractor{fn: func(context.Context, int) (extraction.Result, error) {
		return extraction.Result{}, extraction.Transient(errors.New("timeout"))
	}}
	h := newHarness(t, ex, nil)
	ctx := context.Background()

	fresh := h.ingestCSV(t)
	n, err := h.orch.Recover(ctx, 10)
	if err != nil || n != 0 {
		t.Fatalf("fresh uploads are not stalled, n=%d err=%v", n, err)
	}

	retrying := h.ingestCSV(t)
	h.runAttempt(t, retrying.ID)

	h.clock.Advance(5 * time.Minute)
	n, err = h.orch.Recover(ctx, 10)
	if err != nil || n != 2 {
		t.Fatalf("expected pending and due-retry invoices, n=%d err=%v", n, err)
	}
	if h.queue.count(fresh.ID) != 2 || h.queue.count(retrying.ID) != 3 {
		t.Fatalf("unexpected enqueue counts fresh=%d retrying=%d", h.queue.count(fresh.ID), h.queue.count(retrying.ID))
	}
}
