package domain

import "errors"

// Error taxonomy surfaced by every core operation. The first four are
// terminal: callers must not retry them. ErrTransient marks store or
// transport failures that are safe to retry with backoff.
var (
	ErrForbidden  = errors.New("forbidden")
	ErrConflict   = errors.New("conflict")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrTransient  = errors.New("transient failure")
)

// Terminal reports whether err belongs to the non-retryable class.
func Terminal(err error) bool {
	return errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation)
}
