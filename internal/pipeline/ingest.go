package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"invoice-pipeline/internal/artifacts"
	"invoice-pipeline/internal/extraction"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/telemetry"
)

// Upload is one document submitted for processing.
type Upload struct {
	Tenant      string
	Filename    string
	ContentType string
	Data        []byte
}

var extensionTypes = map[string]string{
	".pdf":  extraction.MIMEPDF,
	".png":  extraction.MIMEPNG,
	".jpg":  extraction.MIMEJPEG,
	".jpeg": extraction.MIMEJPEG,
	".gif":  extraction.MIMEGIF,
	".tif":  extraction.MIMETIFF,
	".tiff": extraction.MIMETIFF,
	".xlsx": extraction.MIMEXLSX,
	".xls":  extraction.MIMEXLS,
	".csv":  extraction.MIMECSV,
}

// DetectMIME picks the document type from the declared content type, then
// the content itself, then the file extension. It returns "" when none of
// them names a supported type.
func DetectMIME(filename, declared string, data []byte) string {
	if mt, _, err := mime.ParseMediaType(declared); err == nil && extraction.Supported(mt) {
		return mt
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	if extraction.Supported(sniffed) {
		return sniffed
	}
	return extensionTypes[strings.ToLower(filepath.Ext(filename))]
}

// Ingest validates an upload, stores the raw bytes, creates the PENDING
// record and queues it for extraction. No record exists when storing fails.
func (o *Orchestrator) Ingest(ctx context.Context, up Upload) (models.InvoiceRecord, error) {
	if len(up.Data) == 0 {
		telemetry.UploadsRejected.WithLabelValues("empty").Inc()
		return models.InvoiceRecord{}, &ValidationError{Err: ErrEmptyUpload, Detail: up.Filename}
	}
	if o.cfg.MaxUploadBytes > 0 && int64(len(up.Data)) > o.cfg.MaxUploadBytes {
		telemetry.UploadsRejected.WithLabelValues("too_large").Inc()
		return models.InvoiceRecord{}, &ValidationError{
			Err:    ErrUploadTooLarge,
			Detail: fmt.Sprintf("%d bytes, limit %d", len(up.Data), o.cfg.MaxUploadBytes),
		}
	}
	mimeType := DetectMIME(up.Filename, up.ContentType, up.Data)
	if mimeType == "" {
		telemetry.UploadsRejected.WithLabelValues("unsupported_type").Inc()
		return models.InvoiceRecord{}, &ValidationError{Err: ErrUnsupportedType, Detail: up.Filename}
	}

	tenant := up.Tenant
	if tenant == "" {
		tenant = "default"
	}
	filename := artifacts.SanitizeSegment(up.Filename)
	id := o.newID()
	key := artifacts.RawKey(tenant, id, filename)

	if err := o.artifacts.Put(ctx, key, up.Data, mimeType); err != nil {
		return models.InvoiceRecord{}, &StorageError{Op: "store raw artifact", Err: err}
	}

	now := o.now()
	rec := models.InvoiceRecord{
		ID:             id,
		Tenant:         tenant,
		State:          models.StatePending,
		Filename:       filename,
		ContentType:    mimeType,
		SizeBytes:      int64(len(up.Data)),
		PageCount:      o.pageCount(id, mimeType, up.Data),
		RawArtifactKey: key,
		MaxAttempts:    o.cfg.MaxAttempts,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	saved, err := o.repo.CreateInvoice(ctx, rec)
	if err != nil {
		if delErr := o.artifacts.Delete(ctx, key); delErr != nil {
			o.logger.Error("orphaned raw artifact", "invoice_id", id, "key", key, "error", delErr)
		}
		return models.InvoiceRecord{}, &StorageError{Op: "create invoice record", Err: err}
	}

	telemetry.InvoicesUploaded.Inc()
	o.audit(ctx, id, "uploaded", fmt.Sprintf("file=%s type=%s bytes=%d", filename, mimeType, len(up.Data)))
	o.logger.Info("invoice accepted", "invoice_id", id, "tenant", tenant, "content_type", mimeType, "bytes", len(up.Data))

	if err := o.queue.Enqueue(ctx, id, now); err != nil {
		// The record stays PENDING; Recover picks it up after the stall grace.
		o.logger.Warn("enqueue failed", "invoice_id", id, "error", err)
	}
	return saved, nil
}

func (o *Orchestrator) pageCount(id, mimeType string, data []byte) *int {
	if mimeType != extraction.MIMEPDF {
		return nil
	}
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		o.logger.Debug("pdf page count unavailable", "invoice_id", id, "error", err)
		return nil
	}
	return &n
}
