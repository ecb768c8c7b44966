package artifacts

import (
	"context"
	"errors"
	"testing"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocal(t.TempDir())

	key := RawKey("acme", "inv-1", "March invoice.pdf")
	if key != "raw/acme/inv-1/March_invoice.pdf" {
		t.Fatalf("unexpected key %q", key)
	}
	if err := store.Put(ctx, key, []byte("%PDF-1.4"), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "%PDF-1.4" {
		t.Fatalf("unexpected content %q", got)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	store := NewLocal(t.TempDir())
	if err := store.Put(context.Background(), "raw/../../etc/passwd", nil, ""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := store.Get(context.Background(), ""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}

func TestSanitizeSegment(t *testing.T) {
	cases := map[string]string{
		"../../secret.pdf":  "secret.pdf",
		`C:\scans\inv.png`:  "inv.png",
		"":                  "document",
		"..":                "document",
		"tab\tname.csv":     "tabname.csv",
		"Charlie's Produce": "Charlie's_Produce",
	}
	for in, want := range cases {
		if got := SanitizeSegment(in); got != want {
			t.Errorf("SanitizeSegment(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParsedKey(t *testing.T) {
	if got := ParsedKey("inv-1"); got != "parsed/inv-1.json" {
		t.Fatalf("unexpected parsed key %q", got)
	}
}
