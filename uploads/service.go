// Package uploads runs the per-transfer upload lifecycle: admission
// against the share index, the durable ledger record, the cancellation
// fabric, throttled progress persistence and terminal reporting.
//
// The service wires the peer protocol client to the upload queue and the
// bandwidth governor through the client's callback bundle; the client
// blocks on the slot awaiter until the queue admits the transfer, then
// pulls byte grants through the governor as it streams.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/WastedYouthinHell/soulshare/governor"
	"github.com/WastedYouthinHell/soulshare/ledger"
	"github.com/WastedYouthinHell/soulshare/queue"
	"github.com/WastedYouthinHell/soulshare/shares"
	"github.com/WastedYouthinHell/soulshare/soul"
)

// progressInterval coalesces progress persistence to at most one write per
// interval; the terminal write always lands regardless.
const progressInterval = 250 * time.Millisecond

// Config carries the service's collaborators.
type Config struct {
	Ledger   *ledger.Ledger
	Cache    *shares.Cache
	Queue    *queue.Queue
	Governor *governor.Governor
	Client   soul.Client
	Relay    soul.Relay
	Users    soul.UserService
}

// Service owns the upload control plane.
type Service struct {
	cfg Config
	log *logrus.Entry

	master   context.Context
	shutdown context.CancelFunc

	// enqueueMu serialises the existing-record check with the insert so
	// two concurrent requests for the same file cannot both admit.
	enqueueMu sync.Mutex

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	locks   map[uuid.UUID]*sync.Mutex
}

// NewService builds the upload service. Close cancels every active
// transfer.
func NewService(cfg Config) *Service {
	master, shutdown := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		log:      logrus.WithField("component", "uploads"),
		master:   master,
		shutdown: shutdown,
		cancels:  make(map[uuid.UUID]context.CancelFunc),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

// Close cancels all active transfers and stops the service.
func (s *Service) Close() {
	s.shutdown()
}

// Enqueue admits an upload request from username for the masked filename.
// It resolves the file, writes the ledger record and starts the transfer
// in the background; it does not wait for completion. Re-requesting a
// file whose earlier attempt is still live is a no-op.
func (s *Service) Enqueue(ctx context.Context, username, filename string) error {
	host, original, err := s.cfg.Cache.Resolve(ctx, filename)
	if err != nil {
		if errors.Is(err, soul.ErrNotFound) {
			return &soul.EnqueueError{Reason: "File not shared", Err: err}
		}
		return fmt.Errorf("failed to resolve %q: %w", filename, err)
	}

	var length int64
	if host == soul.LocalHost {
		info, err := os.Stat(original)
		if err != nil {
			// The index is stale; kick off a rescan and reject.
			s.log.WithField("filename", original).
				Warn("indexed file missing from disk, triggering rescan")
			s.cfg.Cache.Refresh(s.master)
			return &soul.EnqueueError{Reason: "File not found", Err: soul.ErrNotFound}
		}
		length = info.Size()
	} else {
		exists, n, err := s.cfg.Relay.FileInfo(ctx, host, original)
		if err != nil {
			return fmt.Errorf("failed to query agent %s for %q: %w", host, original, err)
		}
		if !exists {
			s.log.WithFields(logrus.Fields{"agent": host, "filename": original}).
				Warn("indexed file missing from agent, triggering rescan")
			s.cfg.Cache.Refresh(s.master)
			return &soul.EnqueueError{Reason: "File not found", Err: soul.ErrNotFound}
		}
		length = n
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	existing, err := s.cfg.Ledger.List(ctx, ledger.Filter{
		Username:  username,
		Filename:  filename,
		Direction: soul.DirectionUpload,
	})
	if err != nil {
		return fmt.Errorf("failed to check for existing transfers: %w", err)
	}
	for i := range existing {
		if !existing[i].State.Terminal() {
			s.log.WithFields(logrus.Fields{
				"username": username,
				"filename": filename,
				"id":       existing[i].ID,
			}).Info("upload already pending, ignoring duplicate request")
			return nil
		}
	}

	t := soul.NewUpload(username, filename, length)
	if err := s.cfg.Ledger.AddOrSupersede(ctx, t); err != nil {
		return fmt.Errorf("failed to persist transfer: %w", err)
	}

	tctx, cancel := context.WithCancel(s.master)
	s.mu.Lock()
	s.cancels[t.ID] = cancel
	s.locks[t.ID] = &sync.Mutex{}
	s.mu.Unlock()

	if !s.cfg.Users.IsWatched(username) {
		go func() {
			if err := s.cfg.Users.Watch(s.master, username); err != nil {
				s.log.WithError(err).WithField("username", username).
					Debug("failed to watch user")
			}
		}()
	}

	s.log.WithFields(logrus.Fields{
		"username": username,
		"filename": filename,
		"size":     length,
		"host":     host,
		"id":       t.ID,
	}).Info("upload enqueued")

	go s.upload(tctx, t, host, original)
	return nil
}

// upload drives one transfer from admission to its terminal state.
func (s *Service) upload(ctx context.Context, t *soul.Transfer, host, original string) {
	lock := s.lockFor(t.ID)
	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)

	// All guarded by lock.
	var (
		final        bool
		enqueued     bool
		slotReleased bool
	)

	defer func() {
		s.mu.Lock()
		delete(s.cancels, t.ID)
		delete(s.locks, t.ID)
		s.mu.Unlock()

		lock.Lock()
		cleanup := enqueued && !slotReleased
		lock.Unlock()
		if cleanup {
			// Entry never admitted, or the client died holding the
			// slot; either way the queue reconciles.
			s.cfg.Queue.Complete(context.Background(), t.Username, t.Filename)
		}
	}()

	req := soul.UploadRequest{
		Username:   t.Username,
		Filename:   t.Filename,
		Size:       t.Size,
		SeekInput:  false,
		CloseInput: true,
		InputStreamFactory: func(offset int64) (io.ReadCloser, error) {
			if host == soul.LocalHost {
				f, err := os.Open(original)
				if err != nil {
					return nil, err
				}
				if _, err := f.Seek(offset, io.SeekStart); err != nil {
					_ = f.Close()
					return nil, err
				}
				return f, nil
			}
			return s.cfg.Relay.FileStream(ctx, host, original, offset, t.ID.String())
		},
		Callbacks: soul.UploadCallbacks{
			StateChanged: func(e soul.TransferStateEvent) {
				lock.Lock()
				defer lock.Unlock()
				if final {
					return
				}
				t.ApplyClient(&e.Transfer)
				if e.Transfer.State.Has(soul.TransferQueued) && !enqueued {
					enqueued = true
					now := time.Now().UTC()
					t.EnqueuedAt = &now
					s.cfg.Queue.Enqueue(ctx, t.Username, t.Filename)
				}
				if s.master.Err() != nil {
					// Shutting down; skip persistence.
					return
				}
				s.persist(ctx, t)
			},
			ProgressUpdated: func(e soul.TransferProgressEvent) {
				if !limiter.Allow() {
					return
				}
				lock.Lock()
				defer lock.Unlock()
				if final {
					return
				}
				t.ApplyClient(&e.Transfer)
				s.persist(ctx, t)
			},
			Governor: func(gctx context.Context, _ *soul.ClientTransfer, requested int) (int, error) {
				return s.cfg.Governor.GetBytes(gctx, t.Username, requested)
			},
			Reporter: func(_ *soul.ClientTransfer, attempted, granted, actual int) {
				s.cfg.Governor.ReturnBytes(t.Username, attempted, granted, actual)
			},
			SlotAwaiter: func(actx context.Context, _ *soul.ClientTransfer) error {
				admitted, err := s.cfg.Queue.AwaitStart(actx, t.Username, t.Filename)
				if err != nil {
					return err
				}
				select {
				case <-actx.Done():
					return actx.Err()
				case <-admitted:
					return nil
				}
			},
			SlotReleased: func(_ *soul.ClientTransfer) {
				lock.Lock()
				slotReleased = true
				lock.Unlock()
				s.cfg.Queue.Complete(context.Background(), t.Username, t.Filename)
			},
		},
	}

	snapshot, err := s.cfg.Client.Upload(ctx, req)

	// Terminal update. The write must land even during shutdown, so it
	// runs on a background context, and the lock acquisition is plain
	// (uncancellable) by construction.
	lock.Lock()
	defer lock.Unlock()
	final = true
	now := time.Now().UTC()
	switch {
	case err == nil:
		if snapshot != nil {
			t.ApplyClient(snapshot)
		}
		if !t.State.Terminal() {
			t.State = soul.TransferCompleted | soul.TransferSucceeded
		}
		if t.EndedAt == nil {
			t.EndedAt = &now
		}
		s.log.WithFields(logrus.Fields{"id": t.ID, "username": t.Username}).
			Info("upload complete")
	case errors.Is(err, context.Canceled):
		t.EndedAt = &now
		t.State = soul.TransferCompleted | soul.TransferCancelled
		t.Exception = "transfer cancelled"
		if host != soul.LocalHost {
			s.cfg.Relay.TryCloseFileStream(host, t.ID.String(), err)
		}
		s.log.WithFields(logrus.Fields{"id": t.ID, "username": t.Username}).
			Info("upload cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		t.EndedAt = &now
		t.State = soul.TransferCompleted | soul.TransferTimedOut
		t.Exception = err.Error()
		if host != soul.LocalHost {
			s.cfg.Relay.TryCloseFileStream(host, t.ID.String(), err)
		}
		s.log.WithFields(logrus.Fields{"id": t.ID, "username": t.Username}).
			Warn("upload timed out")
	default:
		t.EndedAt = &now
		t.State = soul.TransferCompleted | soul.TransferErrored
		t.Exception = err.Error()
		if host != soul.LocalHost {
			s.cfg.Relay.TryCloseFileStream(host, t.ID.String(), err)
		}
		s.log.WithError(err).WithFields(logrus.Fields{"id": t.ID, "username": t.Username}).
			Error("upload failed")
	}
	s.persist(context.Background(), t)
}

func (s *Service) persist(ctx context.Context, t *soul.Transfer) {
	if err := s.cfg.Ledger.Update(ctx, t); err != nil {
		s.log.WithError(err).WithField("id", t.ID).Warn("failed to persist transfer")
	}
}

func (s *Service) lockFor(id uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[id]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[id] = l
	return l
}

// TryCancel cancels the transfer with the given id, reporting whether a
// cancellation was issued.
func (s *Service) TryCancel(id uuid.UUID) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	delete(s.cancels, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Remove soft-deletes a completed transfer. Removing a live transfer is
// invalid; cancel it first.
func (s *Service) Remove(ctx context.Context, id uuid.UUID) error {
	t, err := s.cfg.Ledger.Find(ctx, id)
	if err != nil {
		return err
	}
	if !t.State.Terminal() {
		return fmt.Errorf("transfer %s has not completed: %w", id, soul.ErrInvalidOperation)
	}
	return s.cfg.Ledger.Remove(ctx, id)
}

// Find returns the transfer with the given id.
func (s *Service) Find(ctx context.Context, id uuid.UUID) (*soul.Transfer, error) {
	return s.cfg.Ledger.Find(ctx, id)
}

// List returns ledger records matching the filter.
func (s *Service) List(ctx context.Context, f ledger.Filter) ([]soul.Transfer, error) {
	return s.cfg.Ledger.List(ctx, f)
}
