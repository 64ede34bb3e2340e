package soul

import (
	"time"

	"github.com/google/uuid"
)

// TransferDirection distinguishes uploads from downloads in the ledger.
type TransferDirection string

// Directions.
const (
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
)

// Transfer is the ledger record for a single transfer attempt. It is
// created by the upload service on admission, mutated only by the service
// under a per-transfer exclusion, and soft-deleted rather than destroyed.
type Transfer struct {
	ID        uuid.UUID
	Direction TransferDirection
	Username  string

	// Filename is the masked, remote-facing path.
	Filename string

	Size        int64
	StartOffset int64

	RequestedAt time.Time
	EnqueuedAt  *time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time

	BytesTransferred int64
	AverageSpeed     float64

	State     TransferState
	Exception string

	// Removed marks the record as superseded or deleted by the user.
	// It may only become true once State is terminal, or when a newer
	// attempt for the same (username, filename) supersedes this one.
	Removed bool
}

// NewUpload creates a fresh upload record for username and the masked
// filename, stamped with the current UTC time.
func NewUpload(username, filename string, size int64) *Transfer {
	return &Transfer{
		ID:          uuid.New(),
		Direction:   DirectionUpload,
		Username:    username,
		Filename:    filename,
		Size:        size,
		RequestedAt: time.Now().UTC(),
	}
}

// ApplyClient copies the client's snapshot fields into the ledger record.
func (t *Transfer) ApplyClient(ct *ClientTransfer) {
	t.StartOffset = ct.StartOffset
	t.BytesTransferred = ct.BytesTransferred
	t.AverageSpeed = ct.AverageSpeed
	t.State = ct.State
	if ct.StartedAt != nil && t.StartedAt == nil {
		utc := ct.StartedAt.UTC()
		t.StartedAt = &utc
	}
	if ct.EndedAt != nil && t.EndedAt == nil {
		utc := ct.EndedAt.UTC()
		t.EndedAt = &utc
	}
	if ct.Exception != "" {
		t.Exception = ct.Exception
	}
}
