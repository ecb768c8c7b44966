package artifacts

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// Well-known development storage account key.
const devAccountKey = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="

func TestNewAzureWithoutLogger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && strings.Contains(r.URL.RawQuery, "restype=container"):
			w.Header().Set("x-ms-error-code", "ContainerAlreadyExists")
			w.WriteHeader(http.StatusConflict)
		case r.Method == http.MethodGet:
			w.Header().Set("x-ms-error-code", "BlobNotFound")
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	conn := "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=" + devAccountKey +
		";BlobEndpoint=" + srv.URL + "/devstoreaccount1;"
	store, err := NewAzure(context.Background(), conn, "invoices", nil)
	if err != nil {
		t.Fatalf("new azure: %v", err)
	}

	_, err = store.Get(context.Background(), ParsedKey("inv-1"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
