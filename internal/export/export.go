// Package export renders the line items of READY invoices as CSV or XLSX.
package export

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"invoice-pipeline/internal/models"
)

// Format is an export file format.
type Format string

const (
	CSV  Format = "csv"
	XLSX Format = "xlsx"
)

var ErrUnknownFormat = errors.New("unknown export format")

// ParseFormat accepts "csv" (the default when empty) or "xlsx".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return CSV, nil
	case "xlsx":
		return XLSX, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
}

// ContentType is the MIME type of files in format f.
func (f Format) ContentType() string {
	if f == XLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

var headers = []string{
	"Vendor",
	"Invoice Number",
	"Order Date",
	"Ship Date",
	"Shipping Address",
	"Location",
	"SKU",
	"Description",
	"Vendor Code",
	"Category",
	"Quantity",
	"Unit Cost",
	"Line Total",
	"Currency",
}

// rows flattens an invoice to one row per line item, repeating the header fields.
func rows(rec models.InvoiceRecord) [][]string {
	var s models.InvoiceSummary
	if rec.Summary != nil {
		s = *rec.Summary
	}
	out := make([][]string, 0, len(rec.LineItems))
	for _, it := range rec.LineItems {
		out = append(out, []string{
			s.Vendor,
			s.InvoiceNumber,
			s.OrderDate,
			s.ShipDate,
			s.ShippingAddress,
			s.Location,
			it.SKU,
			it.Description,
			it.VendorCode,
			it.Category,
			it.Quantity.String(),
			it.UnitCost.StringFixed(2),
			it.LineTotal.StringFixed(2),
			it.Currency,
		})
	}
	return out
}

// Render writes the line items of rec in format f.
func Render(rec models.InvoiceRecord, f Format) ([]byte, error) {
	switch f {
	case CSV:
		return renderCSV(rec)
	case XLSX:
		return renderXLSX(rec)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// Filename is the suggested download name for rec in format f.
func Filename(rec models.InvoiceRecord, f Format) string {
	base := strings.TrimSuffix(rec.Filename, extOf(rec.Filename))
	if base == "" {
		base = rec.ID
	}
	return base + "-line-items." + string(f)
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

func renderCSV(rec models.InvoiceRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(headers); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows(rec)); err != nil {
		return nil, fmt.Errorf("csv write: %w", err)
	}
	return buf.Bytes(), nil
}

func renderXLSX(rec models.InvoiceRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Line Items"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	flat := rows(rec)
	for r, it := range rec.LineItems {
		for c, v := range flat[r] {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			switch headers[c] {
			case "Quantity":
				_ = f.SetCellValue(sheet, cell, it.Quantity.InexactFloat64())
			case "Unit Cost":
				_ = f.SetCellValue(sheet, cell, it.UnitCost.InexactFloat64())
			case "Line Total":
				_ = f.SetCellValue(sheet, cell, it.LineTotal.InexactFloat64())
			default:
				_ = f.SetCellValue(sheet, cell, v)
			}
		}
	}

	_ = f.SetColWidth(sheet, "A", "A", 24)
	_ = f.SetColWidth(sheet, "E", "E", 40)
	_ = f.SetColWidth(sheet, "H", "H", 36)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
