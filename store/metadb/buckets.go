package metadb

import (
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	// entries: digest -> Entry JSON
	bucketEntries = []byte("entries")

	// entries_by_access: timestamp+digest -> digest (LRU forward index)
	bucketEntriesByAccess = []byte("entries_by_access")

	// access_by_digest: digest -> 8-byte timestamp (reverse index for O(1)
	// index maintenance on update/delete)
	bucketAccessByDigest = []byte("access_by_digest")
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte slice.
// This ensures correct lexicographic ordering for time-based indexes.
// Uses an offset to handle negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	// Offset by math.MinInt64 to convert signed to unsigned while preserving order.
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeAccessKey creates a key for the entries_by_access index.
// Format: [8-byte timestamp][32-byte digest]
func makeAccessKey(accessTime time.Time, digest []byte) []byte {
	ts := encodeTimestamp(accessTime)
	key := make([]byte, 8+len(digest))
	copy(key[:8], ts)
	copy(key[8:], digest)
	return key
}
