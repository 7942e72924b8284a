package metadb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	mediacache "github.com/wolfeidau/media-cache"
)

// BoltDB implements MetaDB using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)

	watchers *hub
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger:   slog.Default(),
		now:      time.Now,
		watchers: newHub(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketEntries,
			bucketEntriesByAccess,
			bucketAccessByDigest,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	b.watchers.close()
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	return b.db.Close()
}

// Get returns the entry for the key.
func (b *BoltDB) Get(ctx context.Context, key mediacache.CacheKey) (*Entry, error) {
	return b.GetByDigest(ctx, key.Digest())
}

// GetByDigest returns the entry whose key digests to d.
func (b *BoltDB) GetByDigest(_ context.Context, d mediacache.Digest) (*Entry, error) {
	var entry *Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		entry, err = getEntryTx(tx, d[:])
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Put stores the entry, replacing any existing entry for its key.
func (b *BoltDB) Put(_ context.Context, entry *Entry) error {
	if entry.LastAccess.IsZero() {
		entry.LastAccess = b.now()
	}
	if err := entry.validate(); err != nil {
		return err
	}

	d := entry.Key().Digest()
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return putEntryTx(tx, d[:], entry)
	})
	if err != nil {
		return err
	}

	b.watchers.publish(Event{Key: entry.Key(), State: entry.State, Op: OpPut})
	return nil
}

// Mutate atomically applies fn to the current entry for key.
func (b *BoltDB) Mutate(_ context.Context, key mediacache.CacheKey, fn func(*Entry) (*Entry, error)) (*Entry, error) {
	d := key.Digest()

	var (
		result  *Entry
		event   Event
		publish bool
	)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getEntryTx(tx, d[:])
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		next, err := fn(cur)
		if errors.Is(err, ErrUnchanged) {
			result = cur
			return nil
		}
		if err != nil {
			return err
		}

		if next == nil {
			if cur == nil {
				result = nil
				return nil
			}
			if err := deleteEntryTx(tx, d[:]); err != nil {
				return err
			}
			result = nil
			event = Event{Key: cur.Key(), State: cur.State, Op: OpDelete}
			publish = true
			return nil
		}

		if next.LastAccess.IsZero() {
			next.LastAccess = b.now()
		}
		if err := next.validate(); err != nil {
			return err
		}
		if err := putEntryTx(tx, d[:], next); err != nil {
			return err
		}
		result = next
		event = Event{Key: next.Key(), State: next.State, Op: OpPut}
		publish = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if publish {
		b.watchers.publish(event)
	}
	return result, nil
}

// Delete removes the entry for the key.
func (b *BoltDB) Delete(_ context.Context, key mediacache.CacheKey) error {
	d := key.Digest()

	var (
		event   Event
		publish bool
	)
	err := b.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getEntryTx(tx, d[:])
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := deleteEntryTx(tx, d[:]); err != nil {
			return err
		}
		event = Event{Key: cur.Key(), State: cur.State, Op: OpDelete}
		publish = true
		return nil
	})
	if err != nil {
		return err
	}

	if publish {
		b.watchers.publish(event)
	}
	return nil
}

// Scan iterates all entries.
func (b *BoltDB) Scan(ctx context.Context, fn func(*Entry) error) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEntries)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			return fn(&entry)
		})
	})
}

// Touch updates the entry's LastAccess to now.
func (b *BoltDB) Touch(_ context.Context, key mediacache.CacheKey) error {
	d := key.Digest()
	now := b.now()

	var entry *Entry
	err := b.db.Update(func(tx *bbolt.Tx) error {
		cur, err := getEntryTx(tx, d[:])
		if err != nil {
			return err
		}
		cur.LastAccess = now
		entry = cur
		return putEntryTx(tx, d[:], cur)
	})
	if err != nil {
		return err
	}

	b.watchers.publish(Event{Key: entry.Key(), State: entry.State, Op: OpTouch})
	return nil
}

// LeastRecentlyUsed returns up to limit entries ordered by LastAccess ascending.
func (b *BoltDB) LeastRecentlyUsed(_ context.Context, limit int) ([]*Entry, error) {
	var entries []*Entry
	err := b.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket(bucketEntriesByAccess)
		bucket := tx.Bucket(bucketEntries)
		if index == nil || bucket == nil {
			return nil
		}

		c := index.Cursor()
		for k, digest := c.First(); k != nil; k, digest = c.Next() {
			if limit > 0 && len(entries) >= limit {
				break
			}
			v := bucket.Get(digest)
			if v == nil {
				// Stale index entry; skip rather than fail the scan.
				continue
			}
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decoding entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// TotalCachedSize returns the sum of SizeBytes over Cached entries.
func (b *BoltDB) TotalCachedSize(ctx context.Context) (int64, error) {
	var total int64
	err := b.Scan(ctx, func(e *Entry) error {
		if e.State == mediacache.StateCached {
			total += e.SizeBytes
		}
		return nil
	})
	return total, err
}

// CountCachedByKind returns the number of Cached entries per kind.
func (b *BoltDB) CountCachedByKind(ctx context.Context) (map[mediacache.MediaKind]int, error) {
	counts := make(map[mediacache.MediaKind]int)
	err := b.Scan(ctx, func(e *Entry) error {
		if e.State == mediacache.StateCached {
			counts[e.Kind]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

// Watch subscribes to mutation events.
func (b *BoltDB) Watch(buffer int) (<-chan Event, func()) {
	return b.watchers.subscribe(buffer)
}

// getEntryTx reads and decodes an entry within a transaction.
func getEntryTx(tx *bbolt.Tx, digest []byte) (*Entry, error) {
	bucket := tx.Bucket(bucketEntries)
	if bucket == nil {
		return nil, ErrNotFound
	}
	v := bucket.Get(digest)
	if v == nil {
		return nil, ErrNotFound
	}
	var entry Entry
	if err := json.Unmarshal(v, &entry); err != nil {
		return nil, fmt.Errorf("decoding entry: %w", err)
	}
	return &entry, nil
}

// putEntryTx writes an entry and maintains the access-time indexes.
func putEntryTx(tx *bbolt.Tx, digest []byte, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	bucket := tx.Bucket(bucketEntries)
	if err := bucket.Put(digest, data); err != nil {
		return fmt.Errorf("putting entry: %w", err)
	}

	return updateAccessIndexTx(tx, digest, entry.LastAccess)
}

// deleteEntryTx removes an entry and its index records.
func deleteEntryTx(tx *bbolt.Tx, digest []byte) error {
	bucket := tx.Bucket(bucketEntries)
	if err := bucket.Delete(digest); err != nil {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return removeAccessIndexTx(tx, digest)
}

// updateAccessIndexTx replaces the forward+reverse access index records for
// a digest with ones at the given access time.
func updateAccessIndexTx(tx *bbolt.Tx, digest []byte, accessTime time.Time) error {
	if err := removeAccessIndexTx(tx, digest); err != nil {
		return err
	}

	forward := tx.Bucket(bucketEntriesByAccess)
	reverse := tx.Bucket(bucketAccessByDigest)

	ts := encodeTimestamp(accessTime)
	if err := forward.Put(makeAccessKey(accessTime, digest), digest); err != nil {
		return fmt.Errorf("putting access index: %w", err)
	}
	if err := reverse.Put(digest, ts); err != nil {
		return fmt.Errorf("putting reverse access index: %w", err)
	}
	return nil
}

// removeAccessIndexTx removes any existing access index records for a digest.
func removeAccessIndexTx(tx *bbolt.Tx, digest []byte) error {
	forward := tx.Bucket(bucketEntriesByAccess)
	reverse := tx.Bucket(bucketAccessByDigest)
	if forward == nil || reverse == nil {
		return nil
	}

	old := reverse.Get(digest)
	if old == nil {
		return nil
	}
	if err := forward.Delete(makeAccessKey(decodeTimestamp(old), digest)); err != nil {
		return fmt.Errorf("deleting access index: %w", err)
	}
	if err := reverse.Delete(digest); err != nil {
		return fmt.Errorf("deleting reverse access index: %w", err)
	}
	return nil
}
