package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"invoice-pipeline/internal/export"
	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/pipeline"
	"invoice-pipeline/internal/status"
)

// multipartOverhead covers form boundaries and part headers on top of file bytes.
const multipartOverhead = 1 << 20

type uploadResponse struct {
	ID       string              `json:"id"`
	State    models.InvoiceState `json:"state"`
	Filename string              `json:"filename"`
}

type batchResult struct {
	Filename string              `json:"filename"`
	ID       string              `json:"id,omitempty"`
	State    models.InvoiceState `json:"state,omitempty"`
	Status   int                 `json:"status"`
	Error    string              `json:"error,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, s.logger, badMultipart(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, s.logger, fmt.Errorf("%w: multipart field \"file\" is required", ErrBadRequest))
		return
	}
	defer file.Close()

	rec, err := s.ingest(r, header, file)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	w.Header().Set("Location", "/invoices/"+rec.ID)
	writeJSON(w, http.StatusAccepted, uploadResponse{ID: rec.ID, State: rec.State, Filename: rec.Filename})
}

func (s *Server) handleBatchUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxBatchFiles)*s.cfg.MaxUploadBytes+multipartOverhead)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, s.logger, badMultipart(err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		respondError(w, s.logger, fmt.Errorf("%w: no files uploaded", ErrBadRequest))
		return
	}
	if len(headers) > s.cfg.MaxBatchFiles {
		respondError(w, s.logger, fmt.Errorf("%w: at most %d files per batch", ErrBadRequest, s.cfg.MaxBatchFiles))
		return
	}

	results := make([]batchResult, 0, len(headers))
	accepted := 0
	for _, fh := range headers {
		res := batchResult{Filename: fh.Filename}
		rec, err := s.openAndIngest(r, fh)
		if err != nil {
			res.Status = MapHTTPStatus(err)
			res.Error = err.Error()
			if res.Status >= http.StatusInternalServerError {
				s.logger.Error("batch upload failed", "filename", fh.Filename, "error", err)
				res.Error = http.StatusText(res.Status)
			}
		} else {
			res.ID, res.State, res.Status = rec.ID, rec.State, http.StatusAccepted
			accepted++
		}
		results = append(results, res)
	}

	code := http.StatusAccepted
	if accepted == 0 {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]any{"accepted": accepted, "results": results})
}

func (s *Server) openAndIngest(r *http.Request, fh *multipart.FileHeader) (models.InvoiceRecord, error) {
	f, err := fh.Open()
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	defer f.Close()
	return s.ingest(r, fh, f)
}

func (s *Server) ingest(r *http.Request, fh *multipart.FileHeader, body io.Reader) (models.InvoiceRecord, error) {
	if s.cfg.MaxUploadBytes > 0 && fh.Size > s.cfg.MaxUploadBytes {
		return models.InvoiceRecord{}, &pipeline.ValidationError{
			Err:    pipeline.ErrUploadTooLarge,
			Detail: fmt.Sprintf("%s is %d bytes", fh.Filename, fh.Size),
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return models.InvoiceRecord{}, fmt.Errorf("%w: read upload: %v", ErrBadRequest, err)
	}
	return s.pipeline.Ingest(r.Context(), pipeline.Upload{
		Tenant:      tenantFromRequest(r),
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	})
}

func badMultipart(err error) error {
	var maxBytes *http.MaxBytesError
	if errors.As(err, &maxBytes) {
		return err
	}
	return fmt.Errorf("%w: invalid multipart form: %v", ErrBadRequest, err)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.status.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLineItems(w http.ResponseWriter, r *http.Request) {
	q := status.Query{Text: r.URL.Query().Get("q")}
	var err error
	if q.Page, err = intParam(r, "page"); err != nil {
		respondError(w, s.logger, err)
		return
	}
	if q.PageSize, err = intParam(r, "page_size"); err != nil {
		respondError(w, s.logger, err)
		return
	}

	page, err := s.status.SearchLineItems(r.Context(), chi.URLParam(r, "id"), q)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrBadRequest, name)
	}
	return n, nil
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, err := export.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	rec, err := s.status.Ready(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	body, err := export.Render(rec, format)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(rec, format)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pipeline.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{ID: rec.ID, State: rec.State, Filename: rec.Filename})
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			respondError(w, s.logger, fmt.Errorf("%w: invalid json", ErrBadRequest))
			return
		}
	}
	rec, err := s.pipeline.MarkFailed(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": rec.ID, "state": rec.State, "error": rec.Error})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.status.Get(r.Context(), id); err != nil {
		respondError(w, s.logger, err)
		return
	}
	tasks, err := s.repo.ListNotifications(r.Context(), id)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if tasks == nil {
		tasks = []models.NotificationTask{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": tasks})
}

// handleDLQ returns the ids of abandoned notification tasks.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeJSON(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		respondError(w, s.logger, err)
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
