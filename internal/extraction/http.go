package extraction

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"invoice-pipeline/internal/models"
)

//go:embed response_schema.json
var responseSchema []byte

const maxResponseBytes = 8 << 20

// HTTPConfig configures an HTTPExtractor.
type HTTPConfig struct {
	Endpoint    string
	APIKey      string
	Timeout     time.Duration
	MaxImageDim int
}

// HTTPExtractor sends prepared documents to a remote extraction endpoint and
// merges the fragments it returns.
type HTTPExtractor struct {
	cfg    HTTPConfig
	client *http.Client
	schema *jsonschema.Schema
	logger *slog.Logger
}

// NewHTTPExtractor compiles the response schema and returns a ready extractor.
func NewHTTPExtractor(cfg HTTPConfig, logger *slog.Logger) (*HTTPExtractor, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("extraction endpoint is required")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("response.json", bytes.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("response.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExtractor{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		schema: schema,
		logger: logger.With("system", "extraction"),
	}, nil
}

type extractRequest struct {
	MIMEType string `json:"mime_type"`
	Content  []byte `json:"content"`
	Page     int    `json:"page"`
	Pages    int    `json:"pages"`
}

type extractResponse struct {
	Invoices []Result `json:"invoices"`
}

// Extract prepares the document, calls the endpoint once per page and merges
// the results.
func (h *HTTPExtractor) Extract(ctx context.Context, data []byte, mimeType string) (Result, error) {
	docs, err := Prepare(data, mimeType, PrepareOptions{MaxImageDim: h.cfg.MaxImageDim})
	if err != nil {
		return Result{}, err
	}

	var fragments []Result
	for _, doc := range docs {
		got, err := h.call(ctx, doc)
		if err != nil {
			return Result{}, err
		}
		h.logger.Debug("page extracted", "page", doc.Page, "pages", doc.Pages, "invoices", len(got))
		fragments = append(fragments, got...)
	}

	merged := Merge(fragments)
	if len(merged) == 0 {
		return Result{}, Permanent(ErrNoLineItems)
	}
	res := merged[0]
	for _, extra := range merged[1:] {
		res.LineItems = append(res.LineItems, extra.LineItems...)
		res.Totals.Subtotal = res.Totals.Subtotal.Add(extra.Totals.Subtotal)
		res.Totals.Tax = res.Totals.Tax.Add(extra.Totals.Tax)
		res.Totals.Total = res.Totals.Total.Add(extra.Totals.Total)
	}
	return res.Normalize(), nil
}

func (h *HTTPExtractor) call(ctx context.Context, doc Document) ([]Result, error) {
	body, err := json.Marshal(extractRequest{
		MIMEType: doc.MIMEType,
		Content:  doc.Data,
		Page:     doc.Page,
		Pages:    doc.Pages,
	})
	if err != nil {
		return nil, Permanent(fmt.Errorf("encode request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if h.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("call provider: %w", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient(fmt.Errorf("read response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, Transient(fmt.Errorf("decode response: %w", err))
	}
	if err := h.schema.Validate(generic); err != nil {
		return nil, Transient(fmt.Errorf("response does not match schema: %w", err))
	}
	var out extractResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, Transient(fmt.Errorf("decode response: %w", err))
	}
	return out.Invoices, nil
}

func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	err := fmt.Errorf("provider returned %d: %s", code, truncate(string(body), 200))
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooEarly,
		code == http.StatusTooManyRequests, code >= 500:
		return Transient(err)
	default:
		return Permanent(err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Merge folds consecutive fragments sharing an invoice number into one
// invoice: items are appended in order and a later non-zero total replaces
// the earlier one. A fragment without an invoice number continues the current
// invoice. Fragments without items and header are dropped.
func Merge(fragments []Result) []Result {
	var (
		out []Result
		cur *Result
	)
	for _, f := range fragments {
		if len(f.LineItems) == 0 && f.InvoiceNumber == "" && f.Vendor == "" {
			continue
		}
		if cur != nil && (f.InvoiceNumber == "" || f.InvoiceNumber == cur.InvoiceNumber) {
			cur.LineItems = append(cur.LineItems, f.LineItems...)
			if !f.Totals.Total.IsZero() {
				cur.Totals = f.Totals
			}
			fillHeader(cur, f)
			continue
		}
		if cur != nil {
			out = append(out, *cur)
		}
		next := f
		next.LineItems = append([]models.LineItem(nil), f.LineItems...)
		cur = &next
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func fillHeader(dst *Result, src Result) {
	if dst.Vendor == "" {
		dst.Vendor = src.Vendor
	}
	if dst.OrderDate == "" {
		dst.OrderDate = src.OrderDate
	}
	if dst.ShipDate == "" {
		dst.ShipDate = src.ShipDate
	}
	if dst.ShippingAddress == "" {
		dst.ShippingAddress = src.ShippingAddress
	}
	if dst.SoldToAddress == "" {
		dst.SoldToAddress = src.SoldToAddress
	}
}
