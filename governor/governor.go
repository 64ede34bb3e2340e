// Package governor meters upload bandwidth with one token bucket per
// group.
//
// Each bucket holds 100 ms of the group's configured rate and is refilled
// to capacity every 100 ms. Admitted uploads pull byte grants from their
// group's bucket, blocking while it is empty; unused portions of a grant
// are credited back. Reconfiguration rebuilds the whole bucket map and
// swaps it in atomically, so readers see either the old or the new map,
// never a torn view.
package governor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WastedYouthinHell/soulshare/soul"
)

// refillInterval is the bucket granularity. Capacity is rate/10 so each
// interval restores a full bucket; keep the two in step.
const refillInterval = 100 * time.Millisecond

// errClosed is returned to waiters caught by a governor shutdown.
var errClosed = errors.New("governor closed")

// Resolver maps usernames to group names. An empty result means the
// default group.
type Resolver interface {
	Group(ctx context.Context, username string) string
}

// Governor allocates upload bandwidth across groups.
type Governor struct {
	resolver Resolver
	log      *logrus.Entry

	mu         sync.Mutex // guards reconfiguration
	groupsHash string
	speedLimit int
	buckets    atomic.Pointer[bucketMap]

	stopOnce sync.Once
	stop     chan struct{}
}

type bucketMap struct {
	byGroup map[string]*bucket
	def     *bucket
}

func (m *bucketMap) forGroup(name string) *bucket {
	if b, ok := m.byGroup[name]; ok {
		return b
	}
	return m.def
}

// New builds a governor for the given options and starts its refill loop.
func New(resolver Resolver, opts soul.Options) *Governor {
	g := &Governor{
		resolver:   resolver,
		log:        logrus.WithField("component", "governor"),
		groupsHash: opts.GroupsHash(),
		speedLimit: opts.SpeedLimitKBps,
		stop:       make(chan struct{}),
	}
	g.buckets.Store(buildBuckets(opts))
	go g.refillLoop()
	return g
}

// Close stops the refill loop and releases all waiters.
func (g *Governor) Close() {
	g.stopOnce.Do(func() {
		close(g.stop)
		bm := g.buckets.Load()
		for _, b := range bm.byGroup {
			b.close()
		}
	})
}

func (g *Governor) refillLoop() {
	ticker := time.NewTicker(refillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			bm := g.buckets.Load()
			for _, b := range bm.byGroup {
				b.refill()
			}
		}
	}
}

// GetBytes grants up to requested bytes from the bucket of username's
// group, blocking while the bucket is empty. The grant may be smaller
// than requested; callers must tolerate partial grants.
func (g *Governor) GetBytes(ctx context.Context, username string, requested int) (int, error) {
	if requested <= 0 {
		return 0, nil
	}
	for {
		bm := g.buckets.Load()
		b := bm.forGroup(g.resolver.Group(ctx, username))

		b.mu.Lock()
		if b.balance > 0 {
			n := min(b.balance, int64(requested))
			b.balance -= n
			b.mu.Unlock()
			return int(n), nil
		}
		if b.closed {
			// Reconfigured from under us; resolve against the new map,
			// unless the whole governor is shutting down.
			b.mu.Unlock()
			select {
			case <-g.stop:
				return 0, errClosed
			default:
			}
			continue
		}
		wake := b.signal
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-wake:
		}
	}
}

// ReturnBytes credits the unused portion of a grant back to the group's
// bucket. The governor cannot see how much of the grant a downstream
// limiter consumed; it returns what it knows was unused locally.
func (g *Governor) ReturnBytes(username string, attempted, granted, actual int) {
	waste := granted - actual
	if waste <= 0 {
		return
	}
	bm := g.buckets.Load()
	b := bm.forGroup(g.resolver.Group(context.Background(), username))
	b.put(int64(waste))
}

// Reconfigure rebuilds the bucket map when the group configuration or the
// global speed limit changed. In-flight transfers briefly see a full
// bucket and credits held in the old map are lost.
func (g *Governor) Reconfigure(opts soul.Options) {
	g.mu.Lock()
	defer g.mu.Unlock()
	hash := opts.GroupsHash()
	if hash == g.groupsHash && opts.SpeedLimitKBps == g.speedLimit {
		return
	}
	g.groupsHash = hash
	g.speedLimit = opts.SpeedLimitKBps

	old := g.buckets.Swap(buildBuckets(opts))
	for _, b := range old.byGroup {
		b.close()
	}
	g.log.Info("rebuilt upload bandwidth buckets")
}

func buildBuckets(opts soul.Options) *bucketMap {
	m := &bucketMap{byGroup: make(map[string]*bucket)}
	add := func(name string, limitKBps int) {
		if limitKBps <= 0 {
			limitKBps = opts.SpeedLimitKBps
		}
		m.byGroup[name] = newBucket(name, capacityFor(limitKBps))
	}
	add(soul.GroupPrivileged, opts.SpeedLimitKBps)
	add(soul.GroupDefault, opts.Groups.Default.SpeedLimitKBps)
	add(soul.GroupLeechers, opts.Groups.Leechers.SpeedLimitKBps)
	for name, group := range opts.Groups.UserDefined {
		add(name, group.SpeedLimitKBps)
	}
	m.def = m.byGroup[soul.GroupDefault]
	return m
}

// capacityFor converts a KiB/s limit into the bucket capacity: 100 ms of
// headroom at the configured rate.
func capacityFor(limitKBps int) int64 {
	capacity := int64(limitKBps) * 1024 / 10
	if capacity < 1 {
		capacity = 1
	}
	return capacity
}

// bucket is one group's token bucket. balance stays within [0, capacity];
// signal is closed and replaced to broadcast a refill or credit.
type bucket struct {
	group    string
	capacity int64

	mu      sync.Mutex
	balance int64
	signal  chan struct{}
	closed  bool
}

func newBucket(group string, capacity int64) *bucket {
	return &bucket{
		group:    group,
		capacity: capacity,
		balance:  capacity,
		signal:   make(chan struct{}),
	}
}

func (b *bucket) refill() {
	b.put(b.capacity)
}

// put credits n bytes, capped at capacity. Over-credit is discarded.
func (b *bucket) put(n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.balance = min(b.capacity, b.balance+n)
	b.broadcastLocked()
}

func (b *bucket) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.broadcastLocked()
}

func (b *bucket) broadcastLocked() {
	close(b.signal)
	b.signal = make(chan struct{})
}
