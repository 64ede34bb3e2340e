package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WastedYouthinHell/soulshare/soul"
)

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	in := soul.NewUpload("alice", "music/one.mp3", 1234)
	in.StartOffset = 10
	require.NoError(t, l.AddOrSupersede(ctx, in))

	out, err := l.Find(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, soul.DirectionUpload, out.Direction)
	assert.Equal(t, "alice", out.Username)
	assert.Equal(t, "music/one.mp3", out.Filename)
	assert.Equal(t, int64(1234), out.Size)
	assert.Equal(t, int64(10), out.StartOffset)
	assert.Equal(t, time.UTC, out.RequestedAt.Location())
	assert.WithinDuration(t, in.RequestedAt, out.RequestedAt, time.Millisecond)
	assert.Nil(t, out.EnqueuedAt)
	assert.Nil(t, out.EndedAt)
	assert.False(t, out.Removed)
}

func TestLedgerUpdate(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	in := soul.NewUpload("alice", "music/one.mp3", 1234)
	require.NoError(t, l.AddOrSupersede(ctx, in))

	now := time.Now().UTC()
	in.EnqueuedAt = &now
	in.BytesTransferred = 512
	in.AverageSpeed = 100.5
	in.State = soul.TransferCompleted | soul.TransferSucceeded
	in.EndedAt = &now
	require.NoError(t, l.Update(ctx, in))

	out, err := l.Find(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(512), out.BytesTransferred)
	assert.Equal(t, 100.5, out.AverageSpeed)
	assert.True(t, out.State.Terminal())
	require.NotNil(t, out.EndedAt)
	assert.Equal(t, time.UTC, out.EndedAt.Location())

	t.Run("UnknownID", func(t *testing.T) {
		missing := soul.NewUpload("bob", "x", 0)
		err := l.Update(ctx, missing)
		assert.True(t, errors.Is(err, soul.ErrNotFound))
	})
}

func TestLedgerSupersede(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	first := soul.NewUpload("alice", "music/one.mp3", 1234)
	require.NoError(t, l.AddOrSupersede(ctx, first))
	first.State = soul.TransferCompleted | soul.TransferErrored
	require.NoError(t, l.Update(ctx, first))

	second := soul.NewUpload("alice", "music/one.mp3", 1234)
	require.NoError(t, l.AddOrSupersede(ctx, second))

	// The old record is soft-deleted, the new one is live.
	old, err := l.Find(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, old.Removed)

	live, err := l.List(ctx, Filter{Username: "alice", Filename: "music/one.mp3"})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, second.ID, live[0].ID)
	assert.False(t, live[0].State.Terminal())

	// A different file for the same user is untouched.
	other := soul.NewUpload("alice", "music/two.mp3", 99)
	require.NoError(t, l.AddOrSupersede(ctx, other))
	all, err := l.List(ctx, Filter{Username: "alice"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestLedgerList(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	a := soul.NewUpload("alice", "music/one.mp3", 1)
	b := soul.NewUpload("bob", "music/two.mp3", 2)
	require.NoError(t, l.AddOrSupersede(ctx, a))
	require.NoError(t, l.AddOrSupersede(ctx, b))
	require.NoError(t, l.Remove(ctx, b.ID))

	visible, err := l.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, a.ID, visible[0].ID)

	all, err := l.List(ctx, Filter{IncludeRemoved: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byUser, err := l.List(ctx, Filter{Username: "bob", IncludeRemoved: true})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.True(t, byUser[0].Removed)
}

func TestLedgerRemove(t *testing.T) {
	ctx := context.Background()
	l := newLedger(t)

	err := l.Remove(ctx, uuid.New())
	assert.True(t, errors.Is(err, soul.ErrNotFound))

	tr := soul.NewUpload("alice", "music/one.mp3", 1)
	require.NoError(t, l.AddOrSupersede(ctx, tr))
	require.NoError(t, l.Remove(ctx, tr.ID))

	// Find still sees removed rows.
	out, err := l.Find(ctx, tr.ID)
	require.NoError(t, err)
	assert.True(t, out.Removed)
}
