package services

import "errors"

// Sentinel errors returned synchronously to callers. Handlers map these to
// HTTP statuses; workers treat anything else on a record as data, not control
// flow, and keep processing the rest of the batch.
var (
	// ErrAttributionConflict means another professional already holds the
	// acceptance, or this professional already responded.
	ErrAttributionConflict = errors.New("attribution already assigned")

	// ErrAttributionClosed means the attribution reached a terminal state
	// (cancelled, expired or completed) before the response arrived.
	ErrAttributionClosed = errors.New("attribution closed")

	// ErrInvalidInput rejects malformed input at enqueue time, before it can
	// enter a queue.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNotClaimable means the conditional claim write affected no rows:
	// another worker won, or the record is not due yet.
	ErrNotClaimable = errors.New("record not claimable")
)
