package domain

import "errors"

// Boundary error taxonomy. Handlers map these with errors.Is:
// ErrNotReady → 202, ErrNotFound → 404, everything else → 500.
var (
	ErrNotReady          = errors.New("not ready")
	ErrNotFound          = errors.New("not found")
	ErrTransient         = errors.New("transient failure")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrSupervisorFailure = errors.New("encoder process failed")
)
