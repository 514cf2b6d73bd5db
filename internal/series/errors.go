package series

import (
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a first or last candle cannot be located.
	ErrNotFound = errors.New("not found")

	// ErrNotConfigured is returned when an operation needs a collaborator
	// that was not wired in, such as trade-based candle construction
	// without a trades service.
	ErrNotConfigured = errors.New("not configured")

	// ErrInvalidRequest is returned for unsupported request combinations.
	ErrInvalidRequest = errors.New("invalid request")
)
