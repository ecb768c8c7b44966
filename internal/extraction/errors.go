package extraction

import (
	"errors"
	"fmt"
)

// Kind classifies an extraction failure for the retry policy.
type Kind string

const (
	// KindTransient failures may succeed on a later attempt: timeouts,
	// provider unavailability, throttling.
	KindTransient Kind = "transient"
	// KindPermanent failures will not succeed on retry: unreadable or
	// unsupported documents, documents with no line items.
	KindPermanent Kind = "permanent"
)

var (
	ErrTimeout     = errors.New("extraction timed out")
	ErrNoLineItems = errors.New("document contains no line items")
	ErrUnsupported = errors.New("unsupported document type")
)

// Error carries a classified extraction failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s extraction error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as non-retryable.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// KindOf reports how err should be treated. Unclassified errors count as
// transient so that an unexpected failure still goes through the retry budget.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// IsPermanent reports whether err is classified permanent.
func IsPermanent(err error) bool {
	return KindOf(err) == KindPermanent
}
