package uploads

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WastedYouthinHell/soulshare/governor"
	"github.com/WastedYouthinHell/soulshare/ledger"
	"github.com/WastedYouthinHell/soulshare/queue"
	"github.com/WastedYouthinHell/soulshare/shares"
	"github.com/WastedYouthinHell/soulshare/soul"
	"github.com/WastedYouthinHell/soulshare/users"
)

type fakeClient struct {
	run func(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error)
}

func (c *fakeClient) Upload(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error) {
	return c.run(ctx, req)
}

type fakeUsers struct {
	mu      sync.Mutex
	groups  map[string]string
	watched map[string]bool
}

func (u *fakeUsers) Group(ctx context.Context, username string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.groups[username], nil
}

func (u *fakeUsers) IsWatched(username string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.watched[username]
}

func (u *fakeUsers) Watch(ctx context.Context, username string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.watched[username] = true
	return nil
}

type fakeRelay struct {
	mu     sync.Mutex
	closed []string
}

func (r *fakeRelay) FileInfo(ctx context.Context, agent, filename string) (bool, int64, error) {
	return true, 42, nil
}

func (r *fakeRelay) FileStream(ctx context.Context, agent, filename string, offset int64, id string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(make([]byte, 42))), nil
}

func (r *fakeRelay) TryCloseFileStream(agent, id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, id)
}

type harness struct {
	svc    *Service
	ledger *ledger.Ledger
	client *fakeClient
	users  *fakeUsers
	relay  *fakeRelay

	// masked is the fixture file's remote-facing name.
	masked string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "one.mp3"), bytes.Repeat([]byte("x"), 64), 0644))

	dataDir := t.TempDir()
	cache := shares.NewCache(shares.Options{
		Primary: filepath.Join(dataDir, "shares.db"),
		Backup:  filepath.Join(dataDir, "shares.backup.db"),
		Workers: 2,
	})
	t.Cleanup(func() { _ = cache.Close() })
	share := shares.Share{ID: "s1", LocalPath: root, RemotePath: "music"}
	require.NoError(t, cache.Fill(context.Background(), []shares.Share{share}, nil))

	l, err := ledger.Open(filepath.Join(dataDir, "transfers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	fu := &fakeUsers{
		groups:  map[string]string{"alice": soul.GroupDefault},
		watched: map[string]bool{},
	}
	resolver := users.NewResolver(fu)
	opts := soul.DefaultOptions()

	gov := governor.New(resolver, opts)
	t.Cleanup(gov.Close)

	client := &fakeClient{}
	relay := &fakeRelay{}
	svc := NewService(Config{
		Ledger:   l,
		Cache:    cache,
		Queue:    queue.New(resolver, opts),
		Governor: gov,
		Client:   client,
		Relay:    relay,
		Users:    fu,
	})
	t.Cleanup(svc.Close)

	return &harness{
		svc:    svc,
		ledger: l,
		client: client,
		users:  fu,
		relay:  relay,
		masked: "music/one.mp3",
	}
}

// successRun is a client scripted through the whole happy path: queued,
// slot await, governed bytes, progress, succeeded.
func successRun(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error) {
	ct := soul.ClientTransfer{
		Username: req.Username,
		Filename: req.Filename,
		Size:     req.Size,
		State:    soul.TransferQueued,
	}
	req.Callbacks.StateChanged(soul.TransferStateEvent{Transfer: ct})

	if err := req.Callbacks.SlotAwaiter(ctx, &ct); err != nil {
		return nil, err
	}
	defer req.Callbacks.SlotReleased(&ct)

	rc, err := req.InputStreamFactory(0)
	if err != nil {
		return nil, err
	}
	content, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return nil, err
	}

	n, err := req.Callbacks.Governor(ctx, &ct, len(content))
	if err != nil {
		return nil, err
	}
	req.Callbacks.Reporter(&ct, len(content), n, n)

	ct.State = soul.TransferInProgress
	ct.BytesTransferred = int64(len(content))
	req.Callbacks.ProgressUpdated(soul.TransferProgressEvent{Transfer: ct})

	now := time.Now().UTC()
	ct.EndedAt = &now
	ct.State = soul.TransferCompleted | soul.TransferSucceeded
	ct.AverageSpeed = 1000
	return &ct, nil
}

func (h *harness) transfer(t *testing.T, username string) *soul.Transfer {
	t.Helper()
	records, err := h.ledger.List(context.Background(), ledger.Filter{Username: username})
	require.NoError(t, err)
	require.Len(t, records, 1)
	return &records[0]
}

func (h *harness) awaitTerminal(t *testing.T, username string) *soul.Transfer {
	t.Helper()
	var result *soul.Transfer
	require.Eventually(t, func() bool {
		records, err := h.ledger.List(context.Background(), ledger.Filter{Username: username})
		if err != nil || len(records) != 1 || !records[0].State.Terminal() {
			return false
		}
		result = &records[0]
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return result
}

func TestEnqueueSuccess(t *testing.T) {
	h := newHarness(t)
	h.client.run = successRun

	require.NoError(t, h.svc.Enqueue(context.Background(), "alice", h.masked))

	final := h.awaitTerminal(t, "alice")
	assert.True(t, final.State.Has(soul.TransferSucceeded))
	assert.Equal(t, int64(64), final.Size)
	assert.Equal(t, int64(64), final.BytesTransferred)
	assert.NotNil(t, final.EnqueuedAt)
	assert.NotNil(t, final.EndedAt)
	assert.False(t, final.Removed)

	// The requesting user ends up watched.
	assert.Eventually(t, func() bool { return h.users.IsWatched("alice") },
		time.Second, 10*time.Millisecond)
}

func TestEnqueueNotShared(t *testing.T) {
	h := newHarness(t)
	h.client.run = successRun

	err := h.svc.Enqueue(context.Background(), "alice", "music/none.mp3")
	require.Error(t, err)
	var rejection *soul.EnqueueError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "File not shared", rejection.Reason)
	assert.True(t, errors.Is(err, soul.ErrNotFound))

	records, err := h.ledger.List(context.Background(), ledger.Filter{IncludeRemoved: true})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEnqueueIdempotent(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.client.run = func(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error) {
		<-release
		return successRun(ctx, req)
	}

	ctx := context.Background()
	require.NoError(t, h.svc.Enqueue(ctx, "alice", h.masked))
	first := h.transfer(t, "alice")

	// A re-request while the first attempt is live is a no-op.
	require.NoError(t, h.svc.Enqueue(ctx, "alice", h.masked))
	all, err := h.ledger.List(ctx, ledger.Filter{Username: "alice", IncludeRemoved: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, first.ID, all[0].ID)

	close(release)
	h.awaitTerminal(t, "alice")
}

func TestEnqueueSupersedes(t *testing.T) {
	h := newHarness(t)
	h.client.run = func(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error) {
		return nil, errors.New("connection reset by peer")
	}

	ctx := context.Background()
	require.NoError(t, h.svc.Enqueue(ctx, "alice", h.masked))
	failed := h.awaitTerminal(t, "alice")
	assert.True(t, failed.State.Has(soul.TransferErrored))
	assert.Equal(t, "connection reset by peer", failed.Exception)

	// The retry supersedes the errored record.
	h.client.run = successRun
	require.NoError(t, h.svc.Enqueue(ctx, "alice", h.masked))

	superseded, err := h.ledger.Find(ctx, failed.ID)
	require.NoError(t, err)
	assert.True(t, superseded.Removed)

	final := h.awaitTerminal(t, "alice")
	assert.NotEqual(t, failed.ID, final.ID)
	assert.True(t, final.State.Has(soul.TransferSucceeded))
}

func TestTryCancel(t *testing.T) {
	h := newHarness(t)
	h.client.run = func(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx := context.Background()
	require.NoError(t, h.svc.Enqueue(ctx, "alice", h.masked))
	tr := h.transfer(t, "alice")

	assert.True(t, h.svc.TryCancel(tr.ID))
	final := h.awaitTerminal(t, "alice")
	assert.True(t, final.State.Has(soul.TransferCancelled))
	assert.NotNil(t, final.EndedAt)

	// A second cancel has nothing to cancel.
	assert.False(t, h.svc.TryCancel(tr.ID))
}

func TestRemove(t *testing.T) {
	h := newHarness(t)
	h.client.run = func(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx := context.Background()
	require.NoError(t, h.svc.Enqueue(ctx, "alice", h.masked))
	tr := h.transfer(t, "alice")

	// Live transfers cannot be removed.
	err := h.svc.Remove(ctx, tr.ID)
	assert.True(t, errors.Is(err, soul.ErrInvalidOperation))

	require.True(t, h.svc.TryCancel(tr.ID))
	h.awaitTerminal(t, "alice")

	require.NoError(t, h.svc.Remove(ctx, tr.ID))
	visible, err := h.svc.List(ctx, ledger.Filter{Username: "alice"})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestEnqueueMissingFromDisk(t *testing.T) {
	h := newHarness(t)
	h.client.run = successRun

	// Resolution succeeds but the file is gone: reject and rescan.
	_, original, err := h.svc.cfg.Cache.Resolve(context.Background(), h.masked)
	require.NoError(t, err)
	require.NoError(t, os.Remove(original))

	err = h.svc.Enqueue(context.Background(), "alice", h.masked)
	require.Error(t, err)
	var rejection *soul.EnqueueError
	require.True(t, errors.As(err, &rejection))
	assert.Equal(t, "File not found", rejection.Reason)
}

func TestTerminalStateWrittenOnce(t *testing.T) {
	h := newHarness(t)

	progressed := make(chan struct{})
	h.client.run = func(ctx context.Context, req soul.UploadRequest) (*soul.ClientTransfer, error) {
		ct := soul.ClientTransfer{
			Username: req.Username, Filename: req.Filename, Size: req.Size,
			State: soul.TransferQueued,
		}
		req.Callbacks.StateChanged(soul.TransferStateEvent{Transfer: ct})
		if err := req.Callbacks.SlotAwaiter(ctx, &ct); err != nil {
			return nil, err
		}
		defer req.Callbacks.SlotReleased(&ct)

		// Fire a progress update, let the terminal path run, then fire
		// a late one; the late update must not be persisted.
		ct.State = soul.TransferInProgress
		ct.BytesTransferred = 10
		req.Callbacks.ProgressUpdated(soul.TransferProgressEvent{Transfer: ct})
		go func() {
			<-progressed
			ct.BytesTransferred = 999
			req.Callbacks.ProgressUpdated(soul.TransferProgressEvent{Transfer: ct})
			close(progressed)
		}()

		ct.State = soul.TransferCompleted | soul.TransferSucceeded
		ct.BytesTransferred = 64
		return &ct, nil
	}

	require.NoError(t, h.svc.Enqueue(context.Background(), "alice", h.masked))
	final := h.awaitTerminal(t, "alice")
	require.Equal(t, int64(64), final.BytesTransferred)

	progressed <- struct{}{}
	<-progressed

	// Still the terminal snapshot.
	after := h.transfer(t, "alice")
	assert.Equal(t, int64(64), after.BytesTransferred)
	assert.True(t, after.State.Terminal())
}
