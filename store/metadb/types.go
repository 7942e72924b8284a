// Package metadb provides metadata storage using bbolt for the media cache.
package metadb

import (
	"fmt"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// Entry contains the metadata for one cache key. At most one Entry exists
// per key at any time; the store is a map, not a log.
type Entry struct {
	URL       string              `json:"url"`
	Kind      mediacache.MediaKind `json:"kind"`
	State     mediacache.State     `json:"state"`
	LocalPath string              `json:"local_path,omitempty"`
	SizeBytes int64               `json:"size_bytes,omitempty"`
	ErrorCode mediacache.ErrorCode `json:"error_code,omitempty"`

	// AssociatedAt is the originating notification's creation time, used
	// for retention grouping only.
	AssociatedAt time.Time `json:"associated_at"`

	// LastAccess is updated on every successful read, used for LRU
	// eviction ordering.
	LastAccess time.Time `json:"last_access"`

	// CachedAt is set when the entry last reached the Cached state.
	CachedAt time.Time `json:"cached_at,omitzero"`

	// RetryCount is the number of transient-failure attempts since the
	// last success.
	RetryCount int `json:"retry_count,omitempty"`
}

// Key returns the cache key for the entry.
func (e *Entry) Key() mediacache.CacheKey {
	return mediacache.CacheKey{URL: e.URL, Kind: e.Kind}
}

// Status returns the UI-facing view of the entry.
func (e *Entry) Status() mediacache.Status {
	return mediacache.Status{
		Key:       e.Key(),
		State:     e.State,
		LocalPath: e.LocalPath,
		SizeBytes: e.SizeBytes,
		ErrorCode: e.ErrorCode,
	}
}

// validate enforces the entry invariants before any write:
// LocalPath and SizeBytes are set if and only if the entry is Cached, and
// ErrorCode only appears on failure states.
func (e *Entry) validate() error {
	if !e.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidEntry, e.State)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEntry, e.Kind)
	}
	if e.URL == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidEntry)
	}
	cached := e.State == mediacache.StateCached
	if cached && e.LocalPath == "" {
		return fmt.Errorf("%w: cached entry without local path", ErrInvalidEntry)
	}
	if !cached && (e.LocalPath != "" || e.SizeBytes != 0) {
		return fmt.Errorf("%w: local file recorded in state %q", ErrInvalidEntry, e.State)
	}
	failure := e.State == mediacache.StateTransientFailure || e.State == mediacache.StatePermanentFailure
	if !failure && e.ErrorCode != "" {
		return fmt.Errorf("%w: error code %q in state %q", ErrInvalidEntry, e.ErrorCode, e.State)
	}
	if failure && e.ErrorCode == "" {
		return fmt.Errorf("%w: failure state %q without error code", ErrInvalidEntry, e.State)
	}
	return nil
}
