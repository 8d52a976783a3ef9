package labops

import "errors"

// Sentinel errors for coordinator operations. Handlers map these onto HTTP
// status codes with errors.Is, so service code wraps them with fmt.Errorf
// and %w rather than returning them bare.
var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrAttemptsExhausted      = errors.New("attempts exhausted")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrActionNotAvailable     = errors.New("action not available")
	ErrAuditWriteFailure      = errors.New("audit write failure")
)
