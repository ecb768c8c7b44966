// Package extraction turns invoice documents into structured line items.
//
// The provider sits behind the Extractor interface. Callers only see a Result
// or an *Error classified transient or permanent.
package extraction

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"invoice-pipeline/internal/models"
)

// Extractor is the boundary to the OCR / AI extraction provider.
type Extractor interface {
	Extract(ctx context.Context, data []byte, mimeType string) (Result, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, data []byte, mimeType string) (Result, error)

func (f Func) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	return f(ctx, data, mimeType)
}

// Result is what the provider found in one document.
type Result struct {
	Vendor          string            `json:"vendor"`
	InvoiceNumber   string            `json:"invoice_number,omitempty"`
	OrderDate       string            `json:"order_date,omitempty"`
	ShipDate        string            `json:"ship_date,omitempty"`
	ShippingAddress string            `json:"shipping_address,omitempty"`
	SoldToAddress   string            `json:"sold_to_address,omitempty"`
	LineItems       []models.LineItem `json:"line_items"`
	Totals          models.Totals     `json:"totals"`
}

// Summary projects the header fields stored on a READY invoice.
func (r Result) Summary() models.InvoiceSummary {
	return models.InvoiceSummary{
		Vendor:          r.Vendor,
		InvoiceNumber:   r.InvoiceNumber,
		OrderDate:       r.OrderDate,
		ShipDate:        r.ShipDate,
		ShippingAddress: r.ShippingAddress,
		Location:        DeriveLocation(r.ShippingAddress, r.SoldToAddress),
		Totals:          r.Totals,
	}
}

// Normalize fills derived amounts: a missing line total becomes
// quantity * unit cost, and a missing total becomes subtotal + tax.
func (r Result) Normalize() Result {
	items := make([]models.LineItem, len(r.LineItems))
	for i, it := range r.LineItems {
		if it.LineTotal.IsZero() && !it.Quantity.IsZero() && !it.UnitCost.IsZero() {
			it.LineTotal = it.Quantity.Mul(it.UnitCost)
		}
		if it.Currency == "" {
			it.Currency = r.Totals.Currency
		}
		items[i] = it
	}
	r.LineItems = items

	if r.Totals.Subtotal.IsZero() {
		sum := decimal.Zero
		for _, it := range items {
			sum = sum.Add(it.LineTotal)
		}
		r.Totals.Subtotal = sum
	}
	if r.Totals.Total.IsZero() {
		r.Totals.Total = r.Totals.Subtotal.Add(r.Totals.Tax)
	}
	return r
}

type timeoutExtractor struct {
	next    Extractor
	timeout time.Duration
}

// WithTimeout bounds every call to next by d. A call still running at the
// deadline is abandoned and reported as a transient ErrTimeout, whether or not
// next honours context cancellation.
func WithTimeout(next Extractor, d time.Duration) Extractor {
	if d <= 0 {
		return next
	}
	return &timeoutExtractor{next: next, timeout: d}
}

type outcome struct {
	res Result
	err error
}

func (t *timeoutExtractor) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := t.next.Extract(ctx, data, mimeType)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		return Result{}, Transient(ErrTimeout)
	}
}
