package metadb

import (
	"context"
	"errors"

	mediacache "github.com/wolfeidau/media-cache"
)

// ErrNotFound is returned when an entry does not exist. Callers treat a
// missing entry as implicitly NotCached.
var ErrNotFound = errors.New("metadb: not found")

// ErrInvalidEntry is returned when a write would violate an entry invariant.
var ErrInvalidEntry = errors.New("metadb: invalid entry")

// ErrUnchanged aborts a Mutate without writing. The mutation function
// returns it to signal "no transition from this state"; no event is
// published and Mutate reports the current entry.
var ErrUnchanged = errors.New("metadb: unchanged")

// MetaDB provides durable metadata storage for the media cache. All
// mutations for a given key are serialised through single write
// transactions, which is the per-key ordering guarantee the download queue
// relies on.
type MetaDB interface {
	// Lifecycle
	Open(path string) error
	Close() error

	// Get returns the entry for the key, or ErrNotFound.
	Get(ctx context.Context, key mediacache.CacheKey) (*Entry, error)

	// GetByDigest returns the entry whose key digests to d, or ErrNotFound.
	// Used by retention sweeps to match on-disk files back to entries.
	GetByDigest(ctx context.Context, d mediacache.Digest) (*Entry, error)

	// Put stores the entry, replacing any existing entry for its key.
	Put(ctx context.Context, entry *Entry) error

	// Mutate atomically applies fn to the current entry for key. fn
	// receives nil when no entry exists (implicit NotCached) and returns
	// the entry to store, nil to delete, or ErrUnchanged to abort.
	// Mutate returns the entry as stored (nil after a delete).
	Mutate(ctx context.Context, key mediacache.CacheKey, fn func(*Entry) (*Entry, error)) (*Entry, error)

	// Delete removes the entry for the key (idempotent).
	Delete(ctx context.Context, key mediacache.CacheKey) error

	// Scan iterates all entries. Returning an error from fn stops the scan.
	Scan(ctx context.Context, fn func(*Entry) error) error

	// Touch updates the entry's LastAccess to now.
	Touch(ctx context.Context, key mediacache.CacheKey) error

	// LeastRecentlyUsed returns up to limit entries ordered by LastAccess
	// ascending.
	LeastRecentlyUsed(ctx context.Context, limit int) ([]*Entry, error)

	// TotalCachedSize returns the sum of SizeBytes over Cached entries.
	TotalCachedSize(ctx context.Context) (int64, error)

	// CountCachedByKind returns the number of Cached entries per kind.
	CountCachedByKind(ctx context.Context) (map[mediacache.MediaKind]int, error)

	// Watch subscribes to mutation events. The returned cancel func must
	// be called to release the subscription. Events are dropped rather
	// than blocking writers when the buffer is full.
	Watch(buffer int) (<-chan Event, func())
}

// New creates a new MetaDB backed by bbolt.
func New() MetaDB {
	return NewBoltDB()
}
