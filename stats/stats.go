// Package stats maintains an aggregate view of the cache for settings and
// storage-management screens.
package stats

import (
	"context"
	"log/slog"
	"sync"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Snapshot is a point-in-time aggregate over Cached entries. ItemsByKind
// only holds kinds with at least one cached entry.
type Snapshot struct {
	TotalItems     int                          `json:"total_items"`
	TotalSizeBytes int64                        `json:"total_size_bytes"`
	ItemsByKind    map[mediacache.MediaKind]int `json:"items_by_kind"`
}

// Aggregator recomputes cache statistics on demand. Mutation events from the
// store mark the cached snapshot dirty; the recompute happens on the next
// Snapshot call rather than per event, so bursts of downloads cost one scan.
type Aggregator struct {
	db     metadb.MetaDB
	logger *slog.Logger

	mu    sync.Mutex
	dirty bool
	last  Snapshot

	subMu  sync.Mutex
	nextID uint64
	subs   map[uint64]chan Snapshot

	cancelWatch func()
	doneCh      chan struct{}
}

// New creates an Aggregator over the given store.
func New(db metadb.MetaDB, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		db:     db,
		logger: logger,
		dirty:  true,
		subs:   make(map[uint64]chan Snapshot),
	}
}

// Start subscribes to store mutations and begins republishing snapshots.
func (a *Aggregator) Start(ctx context.Context) {
	events, cancel := a.db.Watch(64)
	a.cancelWatch = cancel
	a.doneCh = make(chan struct{})

	go a.watch(ctx, events)
}

// Stop detaches from the store and closes all subscriber channels.
func (a *Aggregator) Stop() {
	if a.cancelWatch != nil {
		a.cancelWatch()
		<-a.doneCh
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for id, ch := range a.subs {
		delete(a.subs, id)
		close(ch)
	}
}

// Snapshot returns the current aggregate, recomputing it if any mutation
// has landed since the last call.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.dirty {
		return a.last, nil
	}

	snap, err := a.compute(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	a.last = snap
	a.dirty = false
	return snap, nil
}

// Watch subscribes to snapshot updates. A fresh snapshot is delivered after
// every relevant store mutation; slow subscribers miss intermediate
// snapshots rather than blocking the aggregator.
func (a *Aggregator) Watch(buffer int) (<-chan Snapshot, func()) {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan Snapshot, buffer)

	a.subMu.Lock()
	defer a.subMu.Unlock()

	id := a.nextID
	a.nextID++
	a.subs[id] = ch

	cancel := func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if sub, ok := a.subs[id]; ok {
			delete(a.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (a *Aggregator) watch(ctx context.Context, events <-chan metadb.Event) {
	defer close(a.doneCh)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op == metadb.OpTouch {
				// Access-time updates change nothing we aggregate.
				continue
			}
			a.invalidate(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// invalidate marks the snapshot dirty and, when anyone is listening,
// recomputes immediately and fans the result out.
func (a *Aggregator) invalidate(ctx context.Context) {
	a.mu.Lock()
	a.dirty = true
	a.mu.Unlock()

	a.subMu.Lock()
	listening := len(a.subs) > 0
	a.subMu.Unlock()
	if !listening {
		return
	}

	snap, err := a.Snapshot(ctx)
	if err != nil {
		a.logger.Warn("stats recompute failed", "error", err)
		return
	}

	a.subMu.Lock()
	defer a.subMu.Unlock()
	for _, ch := range a.subs {
		select {
		case ch <- snap:
		default:
		}
	}
}

// compute scans the store. Caller holds a.mu.
func (a *Aggregator) compute(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ItemsByKind: make(map[mediacache.MediaKind]int)}

	err := a.db.Scan(ctx, func(entry *metadb.Entry) error {
		if entry.State != mediacache.StateCached {
			return nil
		}
		snap.TotalItems++
		snap.TotalSizeBytes += entry.SizeBytes
		snap.ItemsByKind[entry.Kind]++
		return nil
	})
	if err != nil {
		return Snapshot{}, err
	}

	byKind := make(map[string]int, len(snap.ItemsByKind))
	for kind, n := range snap.ItemsByKind {
		byKind[string(kind)] = n
	}
	telemetry.RecordCacheStats(ctx, snap.TotalSizeBytes, byKind)

	return snap, nil
}
