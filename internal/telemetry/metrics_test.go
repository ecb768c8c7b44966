package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCollectors(t *testing.T) {
	InvoicesFailed.WithLabelValues("permanent").Inc()
	QueueDepthGauge.WithLabelValues("extraction", "ready").Set(3)

	// Handler may be called more than once without re-registering.
	_ = Handler()
	h := Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`invoices_failed_total{kind="permanent"}`,
		`queue_depth{queue="extraction",section="ready"} 3`,
		"invoices_extraction_duration_seconds_bucket",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
