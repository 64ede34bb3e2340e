// Package queue decides which pending upload is admitted to a slot next.
//
// Uploads are partitioned into groups; groups are visited in priority
// order, each with its own slot budget and ordering strategy, under a
// global slot ceiling. An entry becomes eligible only once its transfer
// has reached the slot-await point ("ready"); admission fires a one-shot
// signal the awaiting transfer blocks on.
package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/WastedYouthinHell/soulshare/soul"
)

// Resolver maps usernames to group names. An empty result means the
// default group.
type Resolver interface {
	Group(ctx context.Context, username string) string
}

// Queue is the upload slot admission controller. All state is in memory
// and guarded by one mutex; processing runs under the same mutex.
type Queue struct {
	resolver Resolver
	log      *logrus.Entry

	mu         sync.Mutex
	maxSlots   int
	groupsHash string
	groups     []*group // ascending priority
	byName     map[string]*group
}

type group struct {
	name      string
	priority  int
	slots     int
	strategy  soul.QueueStrategy
	usedSlots int
	entries   []*entry
}

type entry struct {
	username   string
	filename   string
	enqueuedAt time.Time
	readyAt    time.Time
	ready      bool
	admitted   chan struct{} // closed exactly once, on admission
}

// New builds a queue for the given options.
func New(resolver Resolver, opts soul.Options) *Queue {
	q := &Queue{
		resolver: resolver,
		log:      logrus.WithField("component", "queue"),
	}
	q.mu.Lock()
	q.rebuildLocked(opts)
	q.mu.Unlock()
	return q
}

// Enqueue registers an upload waiting for a slot. A second enqueue for the
// same (username, filename) pair is a no-op: at most one entry per pair
// exists at any time.
func (q *Queue) Enqueue(ctx context.Context, username, filename string) {
	groupName := q.resolver.Group(ctx, username)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.findLocked(username, filename) != nil {
		return
	}
	g := q.groupLocked(groupName)
	g.entries = append(g.entries, &entry{
		username:   username,
		filename:   filename,
		enqueuedAt: time.Now(),
		admitted:   make(chan struct{}),
	})
	q.log.WithFields(logrus.Fields{
		"username": username,
		"filename": filename,
		"group":    g.name,
	}).Debug("upload enqueued")
	q.processLocked()
}

// AwaitStart marks the entry ready and returns the one-shot channel that
// closes when the entry is admitted. It fails when no entry exists for the
// pair. Marking an entry ready is itself an admission opportunity, so a
// processing pass runs before returning.
func (q *Queue) AwaitStart(ctx context.Context, username, filename string) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(username, filename)
	if e == nil {
		return nil, fmt.Errorf("%s requested by %s: %w", filename, username, soul.ErrNoQueueEntry)
	}
	if !e.ready {
		e.ready = true
		e.readyAt = time.Now()
	}
	ch := e.admitted
	q.processLocked()
	return ch, nil
}

// Complete signals that an admitted upload finished, freeing its group
// slot. For an entry still waiting (a transfer cancelled before
// admission) it removes the entry without touching the slot count. A
// complete for an unknown group is a no-op.
func (q *Queue) Complete(ctx context.Context, username, filename string) {
	groupName := q.resolver.Group(ctx, username)

	q.mu.Lock()
	defer q.mu.Unlock()
	var g *group
	if groupName == "" {
		g = q.byName[soul.GroupDefault]
	} else if g = q.byName[groupName]; g == nil {
		return
	}
	for i, e := range g.entries {
		if e.username == username && e.filename == filename {
			// Never admitted; no slot to give back.
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			q.processLocked()
			return
		}
	}
	g.usedSlots = max(0, g.usedSlots-1)
	q.processLocked()
}

// Reconfigure rebuilds the groups when the group configuration or the
// global slot ceiling changed, preserving used-slot counters by name and re-homing waiting entries into
// their users' new groups.
func (q *Queue) Reconfigure(ctx context.Context, opts soul.Options) {
	q.mu.Lock()
	defer q.mu.Unlock()
	hash := opts.GroupsHash()
	if hash == q.groupsHash && opts.GlobalUploadSlots == q.maxSlots {
		return
	}

	used := make(map[string]int, len(q.groups))
	var waiting []*entry
	for _, g := range q.groups {
		used[g.name] = g.usedSlots
		waiting = append(waiting, g.entries...)
	}

	q.rebuildLocked(opts)
	for name, n := range used {
		if g, ok := q.byName[name]; ok {
			g.usedSlots = n
		}
	}
	for _, e := range waiting {
		g := q.groupLocked(q.resolver.Group(ctx, e.username))
		g.entries = append(g.entries, e)
	}
	q.log.Info("rebuilt upload groups")
	q.processLocked()
}

func (q *Queue) rebuildLocked(opts soul.Options) {
	q.groupsHash = opts.GroupsHash()
	q.maxSlots = opts.GlobalUploadSlots

	groups := []*group{
		{
			name:     soul.GroupPrivileged,
			priority: 0,
			slots:    opts.GlobalUploadSlots,
			strategy: soul.StrategyRoundRobin,
		},
		newGroup(soul.GroupDefault, opts.Groups.Default),
		newGroup(soul.GroupLeechers, opts.Groups.Leechers),
	}
	for name, g := range opts.Groups.UserDefined {
		groups = append(groups, newGroup(name, g))
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].priority != groups[j].priority {
			return groups[i].priority < groups[j].priority
		}
		return groups[i].name < groups[j].name
	})

	q.groups = groups
	q.byName = make(map[string]*group, len(groups))
	for _, g := range groups {
		q.byName[g.name] = g
	}
}

func newGroup(name string, opts soul.GroupOptions) *group {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = soul.StrategyFIFO
	}
	return &group{
		name:     name,
		priority: opts.Priority,
		slots:    opts.Slots,
		strategy: strategy,
	}
}

// groupLocked resolves a group name, mapping unknown and empty names to
// the default group.
func (q *Queue) groupLocked(name string) *group {
	if g, ok := q.byName[name]; ok {
		return g
	}
	return q.byName[soul.GroupDefault]
}

func (q *Queue) findLocked(username, filename string) *entry {
	for _, g := range q.groups {
		for _, e := range g.entries {
			if e.username == username && e.filename == filename {
				return e
			}
		}
	}
	return nil
}

// processLocked admits ready entries while slots remain: groups in
// priority order, within a group by the group's strategy. FIFO picks the
// earliest enqueued entry; round-robin picks the earliest ready one, which
// rotates across users whose transfers reach the ready point at staggered
// times.
func (q *Queue) processLocked() {
	for {
		total := 0
		for _, g := range q.groups {
			total += g.usedSlots
		}
		if total >= q.maxSlots {
			return
		}

		admitted := false
		for _, g := range q.groups {
			if g.usedSlots >= g.slots {
				continue
			}
			e := g.selectNext()
			if e == nil {
				continue
			}
			g.remove(e)
			g.usedSlots++
			close(e.admitted)
			q.log.WithFields(logrus.Fields{
				"username": e.username,
				"filename": e.filename,
				"group":    g.name,
			}).Debug("upload admitted")
			admitted = true
			break
		}
		if !admitted {
			return
		}
	}
}

func (g *group) selectNext() *entry {
	var best *entry
	for _, e := range g.entries {
		if !e.ready {
			continue
		}
		if best == nil {
			best = e
			continue
		}
		switch g.strategy {
		case soul.StrategyRoundRobin:
			if e.readyAt.Before(best.readyAt) {
				best = e
			}
		default: // FIFO
			if e.enqueuedAt.Before(best.enqueuedAt) {
				best = e
			}
		}
	}
	return best
}

func (g *group) remove(target *entry) {
	for i, e := range g.entries {
		if e == target {
			g.entries = append(g.entries[:i], g.entries[i+1:]...)
			return
		}
	}
}
