// Package artifacts stores raw uploads and parsed extraction output by key.
package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"invoice-pipeline/internal/config"
)

// Store is a key-based blob store. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Get returns ErrNotFound when no artifact exists at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent: deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected by cfg.ArtifactBackend.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.ArtifactBackend) {
	case "", "local":
		return NewLocal(cfg.ArtifactDir), nil
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("artifact backend s3 requires S3_BUCKET")
		}
		return NewS3(ctx, cfg)
	case "azure":
		if cfg.AzureConnectionString == "" {
			return nil, fmt.Errorf("artifact backend azure requires AZURE_STORAGE_CONNECTION_STRING")
		}
		return NewAzure(ctx, cfg.AzureConnectionString, cfg.AzureContainer, logger)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", cfg.ArtifactBackend)
	}
}

// RawKey is where the original upload of an invoice is stored.
func RawKey(tenant, invoiceID, filename string) string {
	return path.Join("raw", SanitizeSegment(tenant), invoiceID, SanitizeSegment(filename))
}

// ParsedKey is where the extraction output of an invoice is stored.
func ParsedKey(invoiceID string) string {
	return path.Join("parsed", invoiceID+".json")
}

// SanitizeSegment reduces s to a single safe path segment.
func SanitizeSegment(s string) string {
	s = path.Base(strings.ReplaceAll(s, "\\", "/"))
	s = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == 0x7f:
			return -1
		case r == ' ':
			return '_'
		}
		return r
	}, s)
	if s == "." || s == "/" || s == ".." || s == "" {
		return "document"
	}
	return s
}

func validateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ErrInvalidKey
		}
	}
	if strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	return nil
}
