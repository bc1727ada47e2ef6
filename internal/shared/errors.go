package shared

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates a malformed or incomplete request; nothing
	// was written.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnavailable indicates a backing store could not be reached. The
	// operation is safe to retry.
	ErrUnavailable = errors.New("store unavailable")
)
