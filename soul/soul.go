// Package soul holds the core domain model of the soulshare daemon: the
// transfer record and its state flags, the runtime options, the error
// taxonomy, and the interfaces of the external collaborators (the peer
// protocol client, the agent relay and the user service).
//
// Everything else in the repository depends on this package; it depends on
// nothing but the standard library and the uuid type.
package soul

import (
	"context"
	"io"
	"time"
)

// LocalHost is the host sentinel for files served from local disk rather
// than from a remote agent.
const LocalHost = "local"

// Built-in group names. Privileged always exists and outranks everything;
// Default is the fallback for users with no group mapping.
const (
	GroupPrivileged = "privileged"
	GroupDefault    = "default"
	GroupLeechers   = "leechers"
)

// TransferStateEvent is raised by the peer protocol client whenever a
// transfer changes state.
type TransferStateEvent struct {
	Previous TransferState
	Transfer ClientTransfer
}

// TransferProgressEvent is raised by the peer protocol client as bytes move.
type TransferProgressEvent struct {
	PreviousBytes int64
	Transfer      ClientTransfer
}

// ClientTransfer is the peer protocol client's view of a transfer. It is a
// snapshot; the client owns the live record.
type ClientTransfer struct {
	Username         string
	Filename         string
	Size             int64
	StartOffset      int64
	BytesTransferred int64
	AverageSpeed     float64
	State            TransferState
	StartedAt        *time.Time
	EndedAt          *time.Time
	Exception        string
}

// UploadCallbacks is the option bundle handed to the peer protocol client
// for a single upload. The client drives them; the upload service supplies
// them.
type UploadCallbacks struct {
	// StateChanged is invoked on every state transition.
	StateChanged func(e TransferStateEvent)

	// ProgressUpdated is invoked as bytes are written to the peer.
	ProgressUpdated func(e TransferProgressEvent)

	// Governor grants up to requested bytes, blocking until at least one
	// byte is available or ctx is cancelled. Grants may be partial.
	Governor func(ctx context.Context, t *ClientTransfer, requested int) (int, error)

	// Reporter returns the unused portion of a grant after a write.
	Reporter func(t *ClientTransfer, attempted, granted, actual int)

	// SlotAwaiter blocks until an upload slot is granted or ctx is
	// cancelled.
	SlotAwaiter func(ctx context.Context, t *ClientTransfer) error

	// SlotReleased signals that a granted slot has been given back.
	SlotReleased func(t *ClientTransfer)
}

// UploadRequest describes one upload handed to the peer protocol client.
type UploadRequest struct {
	Username string
	Filename string
	Size     int64

	// InputStreamFactory opens the content stream positioned at offset.
	InputStreamFactory func(offset int64) (io.ReadCloser, error)

	Callbacks UploadCallbacks

	// SeekInput asks the client to seek the stream itself. The upload
	// service always passes false: the factory already positions it.
	SeekInput bool

	// CloseInput asks the client to close the stream when the transfer
	// completes.
	CloseInput bool
}

// Client is the peer protocol library. It negotiates the peer connection,
// performs the handshake and streams bytes; none of that is modelled here.
type Client interface {
	// Upload runs a complete upload and returns the final transfer
	// snapshot. It blocks for the lifetime of the transfer.
	Upload(ctx context.Context, req UploadRequest) (*ClientTransfer, error)
}

// Relay resolves and streams files shared by remote agents.
type Relay interface {
	FileInfo(ctx context.Context, agent, filename string) (exists bool, length int64, err error)
	FileStream(ctx context.Context, agent, filename string, offset int64, id string) (io.ReadCloser, error)
	TryCloseFileStream(agent, id string, err error)
}

// UserService resolves usernames to groups and watches peers for status
// updates.
type UserService interface {
	Group(ctx context.Context, username string) (string, error)
	IsWatched(username string) bool
	Watch(ctx context.Context, username string) error
}
