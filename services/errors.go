package services

import "errors"

// Failure kinds surfaced by the similarity engine and the embedding store.
// Callers distinguish them with errors.Is; StoreFault and Timeout are safe to
// retry, Inconsistent indicates a broken invariant and is not.
var (
	// ErrNotFound signals a missing record, or one that has not completed processing.
	ErrNotFound = errors.New("image not found")
	// ErrValidation signals malformed query parameters.
	ErrValidation = errors.New("invalid query parameters")
	// ErrStoreFault signals a connectivity or transaction failure in the embedding store.
	ErrStoreFault = errors.New("embedding store failure")
	// ErrTimeout signals an operation that exceeded its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrInconsistent signals a completed record whose embedding is missing or has
	// the wrong dimension. This must never happen if write invariants hold.
	ErrInconsistent = errors.New("completed record has inconsistent embedding")
)
