package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyUpload     = errors.New("upload is empty")
	ErrUploadTooLarge  = errors.New("upload exceeds size limit")
	ErrUnsupportedType = errors.New("unsupported document type")

	// ErrNotRetryable is returned by Retry for invoices that are not FAILED,
	// have used their attempts, or were failed administratively.
	ErrNotRetryable = errors.New("invoice is not retryable")
	// ErrAlreadyTerminal is returned by MarkFailed for READY or FAILED invoices.
	ErrAlreadyTerminal = errors.New("invoice already reached a terminal state")
	// ErrNoExtractor fails attempts of an orchestrator built without an
	// extractor, as the API process is.
	ErrNoExtractor = errors.New("no extractor configured")
)

// ValidationError rejects an upload before anything is stored.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// StorageError reports that an artifact or record could not be persisted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
