package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceState enumerates lifecycle states persisted for each invoice.
type InvoiceState string

const (
	StatePending    InvoiceState = "PENDING"
	StateExtracting InvoiceState = "EXTRACTING"
	StateReady      InvoiceState = "READY"
	StateFailed     InvoiceState = "FAILED"
)

// Valid reports whether s is a known state.
func (s InvoiceState) Valid() bool {
	switch s {
	case StatePending, StateExtracting, StateReady, StateFailed:
		return true
	}
	return false
}

// Failure kinds recorded on FAILED invoices.
const (
	FailureTransientExhausted = "transient_exhausted"
	FailurePermanent          = "permanent"
	FailureAdministrative     = "administrative"
)

// FailureDetail is the structured error carried by a FAILED invoice.
type FailureDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// LineItem is one extracted invoice line. Optional text fields are empty when absent.
type LineItem struct {
	SKU         string          `json:"sku,omitempty"`
	Description string          `json:"description"`
	VendorCode  string          `json:"vendor_code,omitempty"`
	Category    string          `json:"category,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	LineTotal   decimal.Decimal `json:"line_total"`
	Currency    string          `json:"currency,omitempty"`
}

// Totals summarizes the monetary footer of an invoice.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
	Currency string          `json:"currency,omitempty"`
}

// InvoiceSummary holds header fields derived from the parsed artifact.
type InvoiceSummary struct {
	Vendor          string `json:"vendor"`
	InvoiceNumber   string `json:"invoice_number,omitempty"`
	OrderDate       string `json:"order_date,omitempty"`
	ShipDate        string `json:"ship_date,omitempty"`
	ShippingAddress string `json:"shipping_address,omitempty"`
	Location        string `json:"location,omitempty"`
	Totals          Totals `json:"totals"`
}

// InvoiceRecord tracks one uploaded document through processing.
type InvoiceRecord struct {
	ID                string          `json:"id"`
	Tenant            string          `json:"tenant"`
	State             InvoiceState    `json:"state"`
	Filename          string          `json:"filename"`
	ContentType       string          `json:"content_type"`
	SizeBytes         int64           `json:"size_bytes"`
	PageCount         *int            `json:"page_count,omitempty"`
	RawArtifactKey    string          `json:"raw_artifact_key"`
	ParsedArtifactKey *string         `json:"parsed_artifact_key,omitempty"`
	LineItems         []LineItem      `json:"line_items,omitempty"`
	Summary           *InvoiceSummary `json:"summary,omitempty"`
	Error             *FailureDetail  `json:"error,omitempty"`
	AttemptCount      int             `json:"attempt_count"`
	MaxAttempts       int             `json:"max_attempts"`
	NextAttemptAt     *time.Time      `json:"next_attempt_at,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Retryable reports whether an explicit retry may move the record back to EXTRACTING.
func (r InvoiceRecord) Retryable() bool {
	if r.State != StateFailed || r.AttemptCount >= r.MaxAttempts {
		return false
	}
	return r.Error == nil || r.Error.Kind != FailureAdministrative
}

// Clone returns a copy that shares no mutable slices or pointers with r.
func (r InvoiceRecord) Clone() InvoiceRecord {
	out := r
	if r.PageCount != nil {
		v := *r.PageCount
		out.PageCount = &v
	}
	if r.ParsedArtifactKey != nil {
		v := *r.ParsedArtifactKey
		out.ParsedArtifactKey = &v
	}
	if r.LineItems != nil {
		out.LineItems = append([]LineItem(nil), r.LineItems...)
	}
	if r.Summary != nil {
		v := *r.Summary
		out.Summary = &v
	}
	if r.Error != nil {
		v := *r.Error
		out.Error = &v
	}
	if r.NextAttemptAt != nil {
		v := *r.NextAttemptAt
		out.NextAttemptAt = &v
	}
	if r.LeaseExpiresAt != nil {
		v := *r.LeaseExpiresAt
		out.LeaseExpiresAt = &v
	}
	return out
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	InvoiceID string    `json:"invoice_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail"`
	Recorded  time.Time `json:"recorded_at"`
}
