package metadb

import (
	"sync"

	mediacache "github.com/wolfeidau/media-cache"
)

// EventOp describes the kind of mutation behind an event.
type EventOp string

const (
	OpPut    EventOp = "put"
	OpDelete EventOp = "delete"
	OpTouch  EventOp = "touch"
)

// Event is published to watchers after every committed mutation. It carries
// the key and the state as stored (for deletes, the state the entry held
// before removal), which is enough for subscribers to invalidate per-key
// status views and aggregate stats without polling.
type Event struct {
	Key   mediacache.CacheKey
	State mediacache.State
	Op    EventOp
}

// hub fans mutation events out to subscribers. Sends never block: a
// subscriber that falls behind loses events and is expected to recompute
// from the store, mirroring how reactive UI layers re-read on invalidation.
type hub struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[uint64]chan Event)}
}

func (h *hub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
