package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"invoice-pipeline/internal/extraction"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
)

func noopExtractor() extraction.Extractor {
	return extraction.Func(func(context.Context, []byte, string) (extraction.Result, error) {
		return twoLineResult(), nil
	})
}

func TestIngestCreatesPendingRecord(t *testing.T) {
	h := newHarness(t, noopExtractor(), nil)

	a := h.ingestCSV(t)
	b := h.ingestCSV(t)
	if a.ID == b.ID {
		t.Fatalf("ids must be unique, both %q", a.ID)
	}
	if a.State != models.StatePending || a.AttemptCount != 0 || a.MaxAttempts != 3 {
		t.Fatalf("unexpected new record %+v", a)
	}
	if a.RawArtifactKey != "raw/acme/"+a.ID+"/march.csv" {
		t.Fatalf("unexpected raw key %q", a.RawArtifactKey)
	}
	if !h.blobs.has(a.RawArtifactKey) {
		t.Fatalf("raw artifact missing")
	}
	if a.ContentType != extraction.MIMECSV || a.PageCount != nil {
		t.Fatalf("unexpected type metadata %q %v", a.ContentType, a.PageCount)
	}
	if h.queue.count(a.ID) != 1 {
		t.Fatalf("expected id enqueued once")
	}

	got, err := h.repo.GetInvoice(context.Background(), a.ID)
	if err != nil || got.State != models.StatePending {
		t.Fatalf("record not queryable: %+v err=%v", got, err)
	}
	if h.auditEvents(a.ID) != "uploaded" {
		t.Fatalf("unexpected audit trail %q", h.auditEvents(a.ID))
	}
}

func TestIngestValidation(t *testing.T) {
	h := newHarness(t, noopExtractor(), func(c *Config) { c.MaxUploadBytes = 16 })
	ctx := context.Background()

	cases := []struct {
		up   Upload
		want error
	}{
		{Upload{Filename: "a.pdf"}, ErrEmptyUpload},
		{Upload{Filename: "a.csv", Data: []byte("sku,description\nSKU-1,way too long\n")}, ErrUploadTooLarge},
		{Upload{Filename: "a.zip", ContentType: "application/zip", Data: []byte("PK\x03\x04")}, ErrUnsupportedType},
	}
	for _, tc := range cases {
		_, err := h.orch.Ingest(ctx, tc.up)
		var ve *ValidationError
		if !errors.As(err, &ve) || !errors.Is(err, tc.want) {
			t.Errorf("%s: expected validation error %v, got %v", tc.up.Filename, tc.want, err)
		}
	}
	if len(h.queue.items) != 0 || len(h.blobs.data) != 0 {
		t.Fatalf("rejected uploads must not store or enqueue anything")
	}
}

func TestDetectMIME(t *testing.T) {
	pdf := []byte("%PDF-1.7\n")
	cases := []struct {
		name, declared string
		data           []byte
		want           string
	}{
		{"scan.pdf", "application/pdf", pdf, extraction.MIMEPDF},
		{"scan.bin", "application/octet-stream", pdf, extraction.MIMEPDF},
		{"sheet.xlsx", "", []byte("PK\x03\x04rest"), extraction.MIMEXLSX},
		{"items.CSV", "", []byte("a,b\n1,2\n"), extraction.MIMECSV},
		{"page.tif", "image/tiff; name=page.tif", []byte("II*\x00"), extraction.MIMETIFF},
		{"notes.txt", "text/plain", []byte("hello"), ""},
	}
	for _, tc := range cases {
		if got := DetectMIME(tc.name, tc.declared, tc.data); got != tc.want {
			t.Errorf("DetectMIME(%q, %q) = %q, want %q", tc.name, tc.declared, got, tc.want)
		}
	}
}

func TestIngestStorageFailureCreatesNoRecord(t *testing.T) {
	h := newHarness(t, noopExtractor(), nil)
	h.blobs.failPut = func(string) bool { return true }

	_, err := h.orch.Ingest(context.Background(), Upload{Filename: "a.csv", Data: []byte("a,b\n1,2\n")})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if _, err := h.repo.GetInvoice(context.Background(), "inv-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("no record may exist after a failed raw write, got %v", err)
	}
	if len(h.queue.items) != 0 {
		t.Fatalf("nothing may be enqueued")
	}
}

type failingCreateRepo struct {
	*store.Memory
}

func (failingCreateRepo) CreateInvoice(context.Context, models.InvoiceRecord) (models.InvoiceRecord, error) {
	return models.InvoiceRecord{}, errors.New("connection reset")
}

func TestIngestRemovesRawArtifactWhenRecordFails(t *testing.T) {
	h := newHarness(t, noopExtractor(), nil)
	orch := New(failingCreateRepo{h.repo}, h.blobs, noopExtractor(), h.queue, h.notifier, h.orch.cfg, h.orch.logger)

	_, err := orch.Ingest(context.Background(), Upload{Filename: "a.csv", Data: []byte("a,b\n1,2\n")})
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if len(h.blobs.data) != 0 {
		t.Fatalf("raw artifact must be removed after the record insert failed")
	}
}

func TestIngestSurvivesEnqueueFailure(t *testing.T) {
	h := newHarness(t, noopExtractor(), nil)
	h.queue.err = errors.New("redis down")

	rec := h.ingestCSV(t)
	if rec.State != models.StatePending {
		t.Fatalf("record should still be created, got %+v", rec)
	}

	h.queue.err = nil
	h.clock.Advance(2 * time.Minute)
	n, err := h.orch.Recover(context.Background(), 10)
	if err != nil || n != 1 || h.queue.count(rec.ID) != 1 {
		t.Fatalf("expected stalled invoice to be re-enqueued, n=%d err=%v", n, err)
	}
}

func TestIngestOnlyOrchestratorWithoutExtractor(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := h.ingestCSV(t)
	if rec.State != models.StatePending || h.queue.count(rec.ID) != 1 {
		t.Fatalf("expected queued PENDING record, got %+v", rec)
	}

	got := h.runAttempt(t, rec.ID)
	if got.State != models.StateExtracting || got.NextAttemptAt == nil {
		t.Fatalf("expected a scheduled retry, got %s next=%v", got.State, got.NextAttemptAt)
	}
	if !strings.Contains(h.auditEvents(rec.ID), "retry_scheduled") {
		t.Fatalf("expected retry_scheduled audit, got %s", h.auditEvents(rec.ID))
	}
}
