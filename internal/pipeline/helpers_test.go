package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invoice-pipeline/internal/artifacts"
	"invoice-pipeline/internal/backoff"
	"invoice-pipeline/internal/extraction"
	"invoice-pipeline/internal/logging"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type enqueued struct {
	id    string
	runAt time.Time
}

type fakeScheduler struct {
	mu    sync.Mutex
	items []enqueued
	err   error
}

func (s *fakeScheduler) Enqueue(_ context.Context, id string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.items = append(s.items, enqueued{id: id, runAt: runAt})
	return nil
}

func (s *fakeScheduler) count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.items {
		if e.id == id {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu    sync.Mutex
	tasks []models.NotificationTask
}

func (n *fakeNotifier) Enqueue(_ context.Context, task models.NotificationTask) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task)
	return nil
}

func (n *fakeNotifier) len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.tasks)
}

// blobs is an in-memory artifact store with injectable write failures.
// onGet, when set, runs once before the next read returns.
type blobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	failPut func(key string) bool
	onGet   func()
}

func newBlobs() *blobs {
	return &blobs{data: make(map[string][]byte)}
}

func (b *blobs) Put(_ context.Context, key string, body []byte, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failPut != nil && b.failPut(key) {
		return errors.New("injected write failure")
	}
	b.data[key] = append([]byte(nil), body...)
	return nil
}

func (b *blobs) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	hook := b.onGet
	b.onGet = nil
	b.mu.Unlock()
	if hook != nil {
		hook()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, artifacts.ErrNotFound
	}
	return v, nil
}

func (b *blobs) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *blobs) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.data[key]
	return ok
}

// countingExtractor counts calls and delegates to fn.
type countingExtractor struct {
	calls atomic.Int32
	fn    func(ctx context.Context, call int) (extraction.Result, error)
}

func (c *countingExtractor) Extract(ctx context.Context, _ []byte, _ string) (extraction.Result, error) {
	n := int(c.calls.Add(1))
	return c.fn(ctx, n)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func twoLineResult() extraction.Result {
	return extraction.Result{
		Vendor:          "Sysco",
		InvoiceNumber:   "INV-100",
		ShippingAddress: "9 Harbor Way, Seattle, WA 98101",
		LineItems: []models.LineItem{
			{SKU: "SKU-1", Description: "Flour 25lb", Quantity: dec("3"), UnitCost: dec("2.00"), LineTotal: dec("6.00")},
			{SKU: "SKU-2", Description: "Sugar 10lb", Quantity: dec("1"), UnitCost: dec("9.99"), LineTotal: dec("9.99")},
		},
		Totals: models.Totals{Subtotal: dec("15.99"), Total: dec("15.99"), Currency: "USD"},
	}
}

type harness struct {
	repo     *store.Memory
	blobs    *blobs
	queue    *fakeScheduler
	notifier *fakeNotifier
	clock    *clock
	orch     *Orchestrator
}

func newHarness(t *testing.T, ex extraction.Extractor, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		repo:     store.NewMemory(),
		blobs:    newBlobs(),
		queue:    &fakeScheduler{},
		notifier: &fakeNotifier{},
		clock:    newClock(),
	}
	cfg := Config{
		MaxAttempts:       3,
		Backoff:           backoff.Policy{Base: time.Second, Max: time.Minute},
		ExtractionTimeout: 2 * time.Second,
		NotifyMaxAttempts: 5,
		MaxUploadBytes:    1 << 20,
		StallGrace:        time.Minute,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	var seq atomic.Int32
	h.orch = New(h.repo, h.blobs, ex, h.queue, h.notifier, cfg, logging.Discard(),
		WithClock(h.clock.Now),
		WithIDGenerator(func() string { return fmt.Sprintf("inv-%d", seq.Add(1)) }),
	)
	return h
}

func (h *harness) ingestCSV(t *testing.T) models.InvoiceRecord {
	t.Helper()
	doc := "sku,description,qty,unit_cost\nSKU-1,Flour 25lb,3,2.00\nSKU-2,Sugar 10lb,1,9.99\n"
	rec, err := h.orch.Ingest(context.Background(), Upload{
		Tenant:      "acme",
		Filename:    "march.csv",
		ContentType: "text/csv",
		Data:        []byte(doc),
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return rec
}

// runAttempt advances the clock past any scheduled retry and processes id.
func (h *harness) runAttempt(t *testing.T, id string) models.InvoiceRecord {
	t.Helper()
	h.clock.Advance(2 * time.Minute)
	if err := h.orch.Process(context.Background(), id); err != nil {
		t.Fatalf("process: %v", err)
	}
	rec, err := h.repo.GetInvoice(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return rec
}

func (h *harness) auditEvents(id string) string {
	var events []string
	for _, a := range h.repo.Audit(id) {
		events = append(events, a.Event)
	}
	return strings.Join(events, ",")
}

func transitionFrom(cur, next models.InvoiceRecord) store.Transition {
	return store.Transition{From: cur.State, Version: cur.Version, Next: next}
}
