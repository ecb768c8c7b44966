// Package status serves read-only projections of invoice records.
// Nothing here writes to the repository or starts extraction.
package status

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/store"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

var (
	ErrNotFound = errors.New("invoice not found")
	ErrNotReady = errors.New("invoice is not ready")
)

// View is what clients see when polling an invoice.
type View struct {
	ID           string                 `json:"id"`
	State        models.InvoiceState    `json:"state"`
	AttemptCount int                    `json:"attempt_count"`
	MaxAttempts  int                    `json:"max_attempts"`
	Filename     string                 `json:"filename"`
	ContentType  string                 `json:"content_type"`
	PageCount    *int                   `json:"page_count,omitempty"`
	Summary      *models.InvoiceSummary `json:"summary,omitempty"`
	LineItems    []models.LineItem      `json:"line_items,omitempty"`
	Error        *models.FailureDetail  `json:"error,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Query filters and pages line items. Text matches sku, description and
// vendor code case-insensitively; empty Text matches everything.
type Query struct {
	Text     string
	Page     int
	PageSize int
}

// LineItemPage is one page of matching line items.
type LineItemPage struct {
	InvoiceID  string            `json:"invoice_id"`
	Items      []models.LineItem `json:"items"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
	TotalItems int               `json:"total_items"`
	TotalPages int               `json:"total_pages"`
}

// Service answers status queries from the repository.
type Service struct {
	repo store.Repository
}

func NewService(repo store.Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the current view of an invoice. Line items are included only
// for READY invoices.
func (s *Service) Get(ctx context.Context, id string) (View, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return View{}, err
	}
	v := View{
		ID:           rec.ID,
		State:        rec.State,
		AttemptCount: rec.AttemptCount,
		MaxAttempts:  rec.MaxAttempts,
		Filename:     rec.Filename,
		ContentType:  rec.ContentType,
		PageCount:    rec.PageCount,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	switch rec.State {
	case models.StateReady:
		v.Summary = rec.Summary
		v.LineItems = rec.LineItems
	case models.StateFailed:
		v.Error = rec.Error
	}
	return v, nil
}

// Ready returns the record of a READY invoice, or ErrNotReady.
func (s *Service) Ready(ctx context.Context, id string) (models.InvoiceRecord, error) {
	rec, err := s.load(ctx, id)
	if err != nil {
		return models.InvoiceRecord{}, err
	}
	if rec.State != models.StateReady {
		return models.InvoiceRecord{}, fmt.Errorf("%w: state=%s", ErrNotReady, rec.State)
	}
	return rec, nil
}

// SearchLineItems filters the line items of a READY invoice.
func (s *Service) SearchLineItems(ctx context.Context, id string, q Query) (LineItemPage, error) {
	rec, err := s.Ready(ctx, id)
	if err != nil {
		return LineItemPage{}, err
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))
	var matched []models.LineItem
	for _, it := range rec.LineItems {
		if needle == "" || matches(it, needle) {
			matched = append(matched, it)
		}
	}

	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	pages := (len(matched) + size - 1) / size
	page := q.Page
	if page < 1 {
		page = 1
	}

	out := LineItemPage{
		InvoiceID:  rec.ID,
		Items:      []models.LineItem{},
		Page:       page,
		PageSize:   size,
		TotalItems: len(matched),
		TotalPages: pages,
	}
	start := (page - 1) * size
	if start < len(matched) {
		out.Items = matched[start:min(start+size, len(matched))]
	}
	return out, nil
}

func matches(it models.LineItem, needle string) bool {
	return strings.Contains(strings.ToLower(it.SKU), needle) ||
		strings.Contains(strings.ToLower(it.Description), needle) ||
		strings.Contains(strings.ToLower(it.VendorCode), needle)
}

func (s *Service) load(ctx context.Context, id string) (models.InvoiceRecord, error) {
	rec, err := s.repo.GetInvoice(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.InvoiceRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("load invoice %s: %w", id, err)
	}
	return rec, nil
}
