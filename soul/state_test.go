package soul

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferState(t *testing.T) {
	t.Run("Terminal", func(t *testing.T) {
		assert.False(t, TransferNone.Terminal())
		assert.False(t, TransferQueued.Terminal())
		assert.False(t, TransferInProgress.Terminal())
		assert.True(t, (TransferCompleted | TransferSucceeded).Terminal())
		assert.True(t, (TransferCompleted | TransferCancelled).Terminal())
	})

	t.Run("Has", func(t *testing.T) {
		s := TransferCompleted | TransferErrored
		assert.True(t, s.Has(TransferCompleted))
		assert.True(t, s.Has(TransferErrored))
		assert.False(t, s.Has(TransferSucceeded))
		assert.True(t, s.Has(TransferCompleted|TransferErrored))
		assert.False(t, s.Has(TransferCompleted|TransferSucceeded))
	})

	t.Run("String", func(t *testing.T) {
		assert.Equal(t, "None", TransferNone.String())
		assert.Equal(t, "Queued", TransferQueued.String())
		assert.Equal(t, "Completed, Succeeded", (TransferCompleted | TransferSucceeded).String())
		assert.Equal(t, "InProgress, Completed", (TransferCompleted | TransferInProgress).String())
	})
}

func TestOptionsGroupsHash(t *testing.T) {
	a := DefaultOptions()
	b := DefaultOptions()
	assert.Equal(t, a.GroupsHash(), b.GroupsHash())

	b.Groups.Leechers.Slots = 2
	assert.NotEqual(t, a.GroupsHash(), b.GroupsHash())

	// Non-group options do not affect the hash.
	c := DefaultOptions()
	c.GlobalUploadSlots = 99
	assert.Equal(t, a.GroupsHash(), c.GroupsHash())
}
