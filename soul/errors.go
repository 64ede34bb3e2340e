package soul

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the core. Controllers map these to
// transport status codes; the core only cares about identity.
var (
	// ErrNotFound is returned for resolution misses and unknown
	// transfer ids.
	ErrNotFound = errors.New("not found")

	// ErrShareScanInProgress is returned when a fill is attempted while
	// one is already running.
	ErrShareScanInProgress = errors.New("share scan already in progress")

	// ErrInvalidOperation is returned for requests that are valid in
	// form but not in the current state, such as removing a transfer
	// that has not completed.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrNoQueueEntry is returned by the upload queue when a slot is
	// awaited for an entry that was never enqueued.
	ErrNoQueueEntry = errors.New("no matching queue entry")
)

// EnqueueError is the peer-facing rejection raised when an upload cannot
// be admitted. Reason is relayed verbatim to the requesting peer.
type EnqueueError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *EnqueueError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("upload rejected: %s", e.Reason)
}

// Unwrap supports errors.Is/As on the underlying cause.
func (e *EnqueueError) Unwrap() error { return e.Err }
