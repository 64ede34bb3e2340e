package soul

import "strings"

// TransferState is a bit-flag set describing where a transfer is in its
// lifecycle. Terminal states always include TransferCompleted; exactly one
// of the outcome flags accompanies it.
type TransferState uint32

const (
	// TransferQueued means the transfer is waiting for an upload slot.
	TransferQueued TransferState = 1 << iota
	// TransferInitializing means the peer connection is being established.
	TransferInitializing
	// TransferInProgress means bytes are moving.
	TransferInProgress
	// TransferCompleted marks a terminal state. It is always combined
	// with exactly one outcome flag.
	TransferCompleted
	// TransferSucceeded is the successful outcome.
	TransferSucceeded
	// TransferCancelled is the cancelled outcome.
	TransferCancelled
	// TransferErrored is the failed outcome.
	TransferErrored
	// TransferRejected is the refused-at-admission outcome.
	TransferRejected
	// TransferTimedOut is the peer-timeout outcome.
	TransferTimedOut

	// TransferNone is the zero state of a freshly created transfer.
	TransferNone TransferState = 0
)

var stateNames = []struct {
	flag TransferState
	name string
}{
	{TransferQueued, "Queued"},
	{TransferInitializing, "Initializing"},
	{TransferInProgress, "InProgress"},
	{TransferCompleted, "Completed"},
	{TransferSucceeded, "Succeeded"},
	{TransferCancelled, "Cancelled"},
	{TransferErrored, "Errored"},
	{TransferRejected, "Rejected"},
	{TransferTimedOut, "TimedOut"},
}

// Has reports whether every flag in other is set.
func (s TransferState) Has(other TransferState) bool {
	return s&other == other
}

// Terminal reports whether the transfer has completed, in any outcome.
func (s TransferState) Terminal() bool {
	return s.Has(TransferCompleted)
}

// String renders the set flags in lifecycle order, comma separated.
func (s TransferState) String() string {
	if s == TransferNone {
		return "None"
	}
	var names []string
	for _, sn := range stateNames {
		if s.Has(sn.flag) {
			names = append(names, sn.name)
		}
	}
	return strings.Join(names, ", ")
}
