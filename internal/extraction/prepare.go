package extraction

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/xuri/excelize/v2"
	"golang.org/x/image/tiff"
)

// RowsPerPage is how many spreadsheet rows are sent to the provider at once.
const RowsPerPage = 10

// Supported document MIME types.
const (
	MIMEPDF  = "application/pdf"
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEGIF  = "image/gif"
	MIMETIFF = "image/tiff"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEXLS  = "application/vnd.ms-excel"
	MIMECSV  = "text/csv"
	// MIMETable is the type of spreadsheet pages produced by Prepare.
	MIMETable = "text/tab-separated-values"
)

// Supported reports whether mimeType can be prepared for extraction.
func Supported(mimeType string) bool {
	switch mimeType {
	case MIMEPDF, MIMEPNG, MIMEJPEG, MIMEGIF, MIMETIFF, MIMEXLSX, MIMEXLS, MIMECSV:
		return true
	}
	return false
}

// Document is one unit of work for the provider.
type Document struct {
	MIMEType string
	Data     []byte
	Page     int
	Pages    int
}

// PrepareOptions tune document preparation.
type PrepareOptions struct {
	// MaxImageDim bounds the longest edge of images; 0 disables resizing.
	MaxImageDim int
}

// Prepare converts an upload into the documents sent to the provider.
// Spreadsheets are split into pages of RowsPerPage rows with the header row
// repeated on every page. Images are decoded, downscaled and re-encoded as PNG.
// PDFs are validated and passed through. Undecodable input is a permanent error.
func Prepare(data []byte, mimeType string, opts PrepareOptions) ([]Document, error) {
	switch mimeType {
	case MIMEPDF:
		if err := api.Validate(bytes.NewReader(data), nil); err != nil {
			return nil, Permanent(fmt.Errorf("invalid pdf: %w", err))
		}
		return []Document{{MIMEType: MIMEPDF, Data: data, Page: 1, Pages: 1}}, nil
	case MIMEPNG, MIMEJPEG, MIMEGIF, MIMETIFF:
		out, err := normalizeImage(data, mimeType, opts.MaxImageDim)
		if err != nil {
			return nil, Permanent(err)
		}
		return []Document{{MIMEType: MIMEPNG, Data: out, Page: 1, Pages: 1}}, nil
	case MIMEXLSX:
		rows, err := readWorkbook(data)
		if err != nil {
			return nil, Permanent(err)
		}
		return paginate(rows)
	case MIMECSV:
		r := csv.NewReader(bytes.NewReader(data))
		r.FieldsPerRecord = -1
		rows, err := r.ReadAll()
		if err != nil {
			return nil, Permanent(fmt.Errorf("read csv: %w", err))
		}
		return paginate(rows)
	case MIMEXLS:
		// Legacy workbooks go to the provider unchanged.
		return []Document{{MIMEType: MIMEXLS, Data: data, Page: 1, Pages: 1}}, nil
	default:
		return nil, Permanent(fmt.Errorf("%w: %q", ErrUnsupported, mimeType))
	}
}

func normalizeImage(data []byte, mimeType string, maxDim int) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if mimeType == MIMETIFF {
		img, err = tiff.Decode(bytes.NewReader(data))
	} else {
		img, err = imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	}
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	if maxDim > 0 && (b.Dx() > maxDim || b.Dy() > maxDim) {
		img = imaging.Fit(img, maxDim, maxDim, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func readWorkbook(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheets[0], err)
	}
	return rows, nil
}

func paginate(rows [][]string) ([]Document, error) {
	if len(rows) < 2 {
		return nil, Permanent(ErrNoLineItems)
	}
	header, body := rows[0], rows[1:]
	pages := (len(body) + RowsPerPage - 1) / RowsPerPage

	docs := make([]Document, 0, pages)
	for p := 0; p < pages; p++ {
		start := p * RowsPerPage
		end := min(start+RowsPerPage, len(body))

		var sb strings.Builder
		sb.WriteString(strings.Join(header, "\t"))
		for _, row := range body[start:end] {
			sb.WriteByte('\n')
			sb.WriteString(strings.Join(row, "\t"))
		}
		docs = append(docs, Document{
			MIMEType: MIMETable,
			Data:     []byte(sb.String()),
			Page:     p + 1,
			Pages:    pages,
		})
	}
	return docs, nil
}
