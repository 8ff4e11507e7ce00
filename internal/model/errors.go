package model

import "errors"

// Error kinds. Concrete errors wrap one of these so callers can branch
// with errors.Is without knowing which layer produced them.
var (
	// ErrValidation marks a malformed or disallowed request. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing aggregate, entry or scope. Callers that
	// read derived state treat it as an empty result.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a concurrent write detected by an optimistic check.
	ErrConflict = errors.New("concurrent write conflict")

	// ErrStoreUnavailable marks an unreachable or failing store. Fatal for
	// the in-flight operation.
	ErrStoreUnavailable = errors.New("store unavailable")
)
