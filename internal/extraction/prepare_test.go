package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/xuri/excelize/v2"
)

func TestPrepareCSVPagesRepeatHeader(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("sku,description,qty\n")
	for i := 1; i <= 25; i++ {
		fmt.Fprintf(&sb, "SKU-%d,Item %d,%d\n", i, i, i)
	}

	docs, err := Prepare([]byte(sb.String()), MIMECSV, PrepareOptions{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(docs))
	}
	for i, d := range docs {
		lines := strings.Split(string(d.Data), "\n")
		if lines[0] != "sku\tdescription\tqty" {
			t.Fatalf("page %d missing header: %q", i+1, lines[0])
		}
		if d.Page != i+1 || d.Pages != 3 || d.MIMEType != MIMETable {
			t.Fatalf("unexpected page metadata %+v", d)
		}
	}
	if n := strings.Count(string(docs[2].Data), "\n"); n != 5 {
		t.Fatalf("expected 5 rows on last page, got %d", n)
	}
}

func TestPrepareXLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetRow(sheet, "A1", &[]any{"sku", "description"})
	for i := 2; i <= 13; i++ {
		cell, _ := excelize.CoordinatesToCellName(1, i)
		_ = f.SetSheetRow(sheet, cell, &[]any{fmt.Sprintf("SKU-%d", i), "widget"})
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	docs, err := Prepare(buf.Bytes(), MIMEXLSX, PrepareOptions{})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 pages for 12 rows, got %d", len(docs))
	}
	if !strings.HasPrefix(string(docs[1].Data), "sku\tdescription\n") {
		t.Fatalf("second page should start with header, got %q", docs[1].Data)
	}
}

func TestPrepareHeaderOnlySpreadsheetIsPermanent(t *testing.T) {
	_, err := Prepare([]byte("sku,description\n"), MIMECSV, PrepareOptions{})
	if !IsPermanent(err) || !errors.Is(err, ErrNoLineItems) {
		t.Fatalf("expected permanent ErrNoLineItems, got %v", err)
	}
}

func TestPrepareImageDownscales(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 200))
	for x := 0; x < 400; x++ {
		src.Set(x, x%200, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode: %v", err)
	}

	docs, err := Prepare(buf.Bytes(), MIMEPNG, PrepareOptions{MaxImageDim: 100})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	img, err := imaging.Decode(bytes.NewReader(docs[0].Data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 50 {
		t.Fatalf("expected 100x50, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestPrepareRejectsBrokenInput(t *testing.T) {
	for _, mime := range []string{MIMEPNG, MIMETIFF, MIMEPDF, MIMEXLSX} {
		_, err := Prepare([]byte("definitely not a document"), mime, PrepareOptions{})
		if !IsPermanent(err) {
			t.Errorf("%s: expected permanent error, got %v", mime, err)
		}
	}
	if _, err := Prepare([]byte("x"), "application/zip", PrepareOptions{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
