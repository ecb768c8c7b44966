// Package telemetry holds the process-wide Prometheus collectors.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	InvoicesUploaded  = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_uploaded_total", Help: "Invoices accepted for processing"})
	UploadsRejected   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "invoices_upload_rejected_total", Help: "Uploads rejected before a record was created"}, []string{"reason"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ExtractionAttempt = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_extraction_attempts_total", Help: "Extraction attempts started"})
	ExtractionLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "invoices_extraction_duration_seconds",
		Help:    "Duration of extraction calls",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})
	InvoicesReady     = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_ready_total", Help: "Invoices that reached READY"})
	InvoicesFailed    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "invoices_failed_total", Help: "Invoices that reached FAILED"}, []string{"kind"})
	RetriesScheduled  = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_retries_scheduled_total", Help: "Transient failures scheduled for another attempt"})
	TransitionClashes = prometheus.NewCounter(prometheus.CounterOpts{Name: "invoices_transition_conflicts_total", Help: "Writes that lost a compare-and-set race"})

	NotificationsDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_delivered_total", Help: "Webhook deliveries acknowledged with 2xx"})
	NotificationFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_failed_attempts_total", Help: "Webhook attempts that failed"})
	NotificationsAbandoned = prometheus.NewCounter(prometheus.CounterOpts{Name: "notifications_abandoned_total", Help: "Notification tasks that ran out of attempts"})

	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_depth", Help: "Messages per queue and section"}, []string{"queue", "section"})
	InFlightGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "queue_handlers_inflight", Help: "Messages currently being handled by this process"}, []string{"queue"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			InvoicesUploaded,
			UploadsRejected,
			RateLimitRejects,
			ExtractionAttempt,
			ExtractionLatency,
			InvoicesReady,
			InvoicesFailed,
			RetriesScheduled,
			TransitionClashes,
			NotificationsDelivered,
			NotificationFailures,
			NotificationsAbandoned,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
