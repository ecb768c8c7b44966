package artifacts

import "errors"

var (
	// ErrNotFound indicates the requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
	// ErrEmptyKey indicates an empty storage key was provided.
	ErrEmptyKey = errors.New("artifact key must not be empty")
	// ErrInvalidKey indicates the key is absolute or contains a path traversal segment.
	ErrInvalidKey = errors.New("artifact key contains invalid path segment")
)
