package api

import (
	"errors"
	"log/slog"
	"net/http"

	"invoice-pipeline/internal/export"
	"invoice-pipeline/internal/pipeline"
	"invoice-pipeline/internal/status"
	"invoice-pipeline/internal/store"
)

var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrBadRequest  = errors.New("bad request")
)

// MapHTTPStatus maps domain errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	var maxBytes *http.MaxBytesError
	var validation *pipeline.ValidationError
	var storage *pipeline.StorageError

	switch {
	case errors.As(err, &maxBytes), errors.Is(err, pipeline.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	case errors.As(err, &validation), errors.Is(err, ErrBadRequest), errors.Is(err, export.ErrUnknownFormat):
		return http.StatusBadRequest
	case errors.Is(err, status.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, status.ErrNotReady), errors.Is(err, pipeline.ErrNotRetryable),
		errors.Is(err, pipeline.ErrAlreadyTerminal), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.As(err, &storage):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

// respondError writes err with its mapped status. Server-side failures are
// logged and their detail withheld from the client.
func respondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	code := MapHTTPStatus(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		logger.Error("request failed", "status", code, "error", err)
		msg = http.StatusText(code)
	}
	writeJSON(w, code, errorResponse{Error: msg})
}
