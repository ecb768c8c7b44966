package extraction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"invoice-pipeline/internal/models"
)

func TestKindOf(t *testing.T) {
	if KindOf(Permanent(errors.New("bad scan"))) != KindPermanent {
		t.Fatalf("expected permanent")
	}
	wrapped := fmt.Errorf("attempt 2: %w", Transient(errors.New("503")))
	if KindOf(wrapped) != KindTransient {
		t.Fatalf("expected wrapped transient to stay transient")
	}
	if KindOf(errors.New("unexpected")) != KindTransient {
		t.Fatalf("unclassified errors should be transient")
	}
	if !IsPermanent(Permanent(ErrNoLineItems)) || !errors.Is(Permanent(ErrNoLineItems), ErrNoLineItems) {
		t.Fatalf("permanent wrapper should unwrap to its cause")
	}
}

func TestWithTimeoutAbandonsSlowProvider(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := Func(func(ctx context.Context, _ []byte, _ string) (Result, error) {
		<-release // ignores ctx on purpose
		return Result{}, nil
	})

	start := time.Now()
	_, err := WithTimeout(slow, 20*time.Millisecond).Extract(context.Background(), nil, MIMEPDF)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if KindOf(err) != KindTransient {
		t.Fatalf("timeouts must be transient")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("timeout wrapper waited for the provider")
	}
}

func TestWithTimeoutPassesThroughResult(t *testing.T) {
	fast := Func(func(context.Context, []byte, string) (Result, error) {
		return Result{Vendor: "Acme"}, nil
	})
	res, err := WithTimeout(fast, time.Second).Extract(context.Background(), nil, MIMEPDF)
	if err != nil || res.Vendor != "Acme" {
		t.Fatalf("unexpected result %+v err=%v", res, err)
	}
}

func TestDeriveLocation(t *testing.T) {
	cases := map[string][2]string{
		"Springfield, IL": {"123 Main St, Springfield, IL 62704", ""},
		"Austin, TX":      {"", "PO Box 9, 77 Austin, TX 78701"},
		"":                {"no state here", "nor here"},
	}
	for want, in := range cases {
		if got := DeriveLocation(in[0], in[1]); got != want {
			t.Errorf("DeriveLocation(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}

func TestMergeByInvoiceNumber(t *testing.T) {
	item := func(d string) models.LineItem { return models.LineItem{Description: d} }
	frags := []Result{
		{Vendor: "Sysco", InvoiceNumber: "A-1", LineItems: []models.LineItem{item("a")}},
		{InvoiceNumber: "A-1", LineItems: []models.LineItem{item("b")}, Totals: models.Totals{Total: decimal.NewFromInt(40)}},
		{LineItems: []models.LineItem{item("c")}},
		{Vendor: "Sysco", InvoiceNumber: "B-7", LineItems: []models.LineItem{item("d")}},
		{},
	}
	got := Merge(frags)
	if len(got) != 2 {
		t.Fatalf("expected 2 invoices, got %d", len(got))
	}
	if n := len(got[0].LineItems); n != 3 {
		t.Fatalf("expected 3 items on A-1, got %d", n)
	}
	if got[0].LineItems[2].Description != "c" {
		t.Fatalf("items must keep document order: %+v", got[0].LineItems)
	}
	if !got[0].Totals.Total.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected later non-zero total to win, got %s", got[0].Totals.Total)
	}
	if got[1].InvoiceNumber != "B-7" {
		t.Fatalf("expected second invoice B-7, got %q", got[1].InvoiceNumber)
	}
}

func TestNormalizeDerivesAmounts(t *testing.T) {
	res := Result{
		LineItems: []models.LineItem{
			{Description: "Apples", Quantity: decimal.NewFromInt(3), UnitCost: decimal.RequireFromString("1.50")},
			{Description: "Pears", Quantity: decimal.NewFromInt(1), UnitCost: decimal.NewFromInt(2), LineTotal: decimal.NewFromInt(2)},
		},
		Totals: models.Totals{Tax: decimal.RequireFromString("0.65"), Currency: "USD"},
	}.Normalize()

	if !res.LineItems[0].LineTotal.Equal(decimal.RequireFromString("4.5")) {
		t.Fatalf("expected derived line total 4.5, got %s", res.LineItems[0].LineTotal)
	}
	if res.LineItems[0].Currency != "USD" {
		t.Fatalf("expected currency inherited from totals")
	}
	if !res.Totals.Subtotal.Equal(decimal.RequireFromString("6.5")) {
		t.Fatalf("expected subtotal 6.5, got %s", res.Totals.Subtotal)
	}
	if !res.Totals.Total.Equal(decimal.RequireFromString("7.15")) {
		t.Fatalf("expected total 7.15, got %s", res.Totals.Total)
	}
}

func TestSummaryIncludesLocation(t *testing.T) {
	s := Result{Vendor: "Acme", ShippingAddress: "1 Dock Rd, Tacoma, WA 98401"}.Summary()
	if s.Location != "Tacoma, WA" {
		t.Fatalf("unexpected location %q", s.Location)
	}
}
