// Package api exposes the invoice pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"invoice-pipeline/internal/models"
	"invoice-pipeline/internal/pipeline"
	"invoice-pipeline/internal/ratelimit"
	"invoice-pipeline/internal/status"
	"invoice-pipeline/internal/store"
	"invoice-pipeline/internal/telemetry"
)

// Pipeline is the write side of the service.
type Pipeline interface {
	Ingest(ctx context.Context, up pipeline.Upload) (models.InvoiceRecord, error)
	Retry(ctx context.Context, id string) (models.InvoiceRecord, error)
	MarkFailed(ctx context.Context, id, reason string) (models.InvoiceRecord, error)
}

// Limiter throttles uploads per tenant.
type Limiter interface {
	Allow(ctx context.Context, tenant string) (ratelimit.Decision, error)
}

// DeadLetters lists abandoned notification tasks.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Config holds HTTP-facing limits.
type Config struct {
	MaxUploadBytes int64
	MaxBatchFiles  int
	AllowedOrigins []string
}

// Server wires HTTP handlers for the invoice API.
type Server struct {
	cfg      Config
	pipeline Pipeline
	status   *status.Service
	repo     store.Repository
	dlq      DeadLetters
	limiter  Limiter
	logger   *slog.Logger
}

// New constructs the API server. limiter and dlq may be nil.
func New(cfg Config, p Pipeline, st *status.Service, repo store.Repository, dlq DeadLetters, limiter Limiter, logger *slog.Logger) *Server {
	if cfg.MaxBatchFiles <= 0 {
		cfg.MaxBatchFiles = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		pipeline: p,
		status:   st,
		repo:     repo,
		dlq:      dlq,
		limiter:  limiter,
		logger:   logger.With("system", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(cors(s.cfg.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/invoices", func(r chi.Router) {
		r.With(s.rateLimit).Post("/", s.handleUpload)
		r.With(s.rateLimit).Post("/batch", s.handleBatchUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGet)
			r.Get("/line-items", s.handleLineItems)
			r.Get("/export", s.handleExport)
			r.Get("/notifications", s.handleNotifications)
			r.Post("/retry", s.handleRetry)
			r.Post("/fail", s.handleFail)
		})
	})
	r.Get("/dlq", s.handleDLQ)
	return r
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
