package retention

import (
	"context"
	"errors"
	"fmt"
	"sort"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/store/metadb"
)

// phaseExpireAged evicts entries whose associated notification is older
// than MaxAge, regardless of recency of access.
func (m *Manager) phaseExpireAged(ctx context.Context, result *Result) {
	if m.config.MaxAge <= 0 {
		return
	}

	cutoff := m.now().Add(-m.config.MaxAge)

	var aged []*metadb.Entry
	err := m.db.Scan(ctx, func(entry *metadb.Entry) error {
		if len(aged) >= m.config.BatchSize {
			return errScanDone
		}
		if entry.State == mediacache.StateDownloading {
			return nil
		}
		if entry.AssociatedAt.Before(cutoff) {
			aged = append(aged, entry)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errScanDone) {
		result.Errors = append(result.Errors, fmt.Sprintf("expire-aged scan: %v", err))
		return
	}

	for _, entry := range aged {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "expire-aged interrupted")
			return
		}
		if m.evict(ctx, entry, result) {
			result.AgedEvicted++
			m.logger.Debug("evicted aged entry",
				"url", entry.URL,
				"kind", entry.Kind,
				"associated_at", entry.AssociatedAt,
			)
		}
	}
}

// phaseEnforceKindCounts evicts least-recently-used Cached entries of each
// kind until the per-kind count budget is met.
func (m *Manager) phaseEnforceKindCounts(ctx context.Context, result *Result) {
	if len(m.config.MaxItemsPerKind) == 0 {
		return
	}

	counts, err := m.db.CountCachedByKind(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("enforce-kind-counts count: %v", err))
		return
	}

	over := map[mediacache.MediaKind]int{}
	for kind, limit := range m.config.MaxItemsPerKind {
		if limit > 0 && counts[kind] > limit {
			over[kind] = counts[kind] - limit
		}
	}
	if len(over) == 0 {
		return
	}

	// Collect cached entries for the over-budget kinds, LRU first within
	// each kind.
	byKind := map[mediacache.MediaKind][]*metadb.Entry{}
	err = m.db.Scan(ctx, func(entry *metadb.Entry) error {
		if entry.State != mediacache.StateCached {
			return nil
		}
		if _, ok := over[entry.Kind]; ok {
			byKind[entry.Kind] = append(byKind[entry.Kind], entry)
		}
		return nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("enforce-kind-counts scan: %v", err))
		return
	}

	for kind, excess := range over {
		entries := byKind[kind]
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].LastAccess.Before(entries[j].LastAccess)
		})
		if excess > m.config.BatchSize {
			excess = m.config.BatchSize
		}
		for _, entry := range entries {
			if excess <= 0 {
				break
			}
			if ctx.Err() != nil {
				result.Errors = append(result.Errors, "enforce-kind-counts interrupted")
				return
			}
			if m.evict(ctx, entry, result) {
				result.CountEvicted++
				excess--
				m.logger.Debug("evicted over-count entry",
					"url", entry.URL,
					"kind", kind,
					"last_access", entry.LastAccess,
				)
			}
		}
	}
}

// phaseEnforceTotalSize evicts least-recently-used Cached entries until the
// total cached size fits under MaxTotalBytes.
func (m *Manager) phaseEnforceTotalSize(ctx context.Context, result *Result) {
	if m.config.MaxTotalBytes <= 0 {
		return
	}

	total, err := m.db.TotalCachedSize(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("enforce-total-size size: %v", err))
		return
	}
	if total <= m.config.MaxTotalBytes {
		return
	}

	candidates, err := m.db.LeastRecentlyUsed(ctx, m.config.BatchSize)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("enforce-total-size lru: %v", err))
		return
	}

	for _, entry := range candidates {
		if total <= m.config.MaxTotalBytes {
			break
		}
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "enforce-total-size interrupted")
			return
		}
		if entry.State != mediacache.StateCached {
			continue
		}
		size := entry.SizeBytes
		if m.evict(ctx, entry, result) {
			result.SizeEvicted++
			total -= size
			m.logger.Debug("evicted over-size entry",
				"url", entry.URL,
				"kind", entry.Kind,
				"size_bytes", size,
				"last_access", entry.LastAccess,
			)
		}
	}
}

// phaseSweepOrphans scans the cache directory for files with no
// corresponding entry, or whose entry no longer claims a cached file, and
// deletes them. Orphans appear after crashes between a file write and its
// metadata commit, or after an eviction that lost the file delete.
func (m *Manager) phaseSweepOrphans(ctx context.Context, result *Result) {
	keys, err := m.files.List(ctx, "media/")
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("sweep-orphans list: %v", err))
		return
	}

	deleted := 0
	for _, key := range keys {
		if deleted >= m.config.BatchSize {
			break
		}
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, "sweep-orphans interrupted")
			return
		}

		digest, err := mediacache.ParseStorageKey(key)
		if err != nil {
			// Not a cache file we recognise. Leave it alone.
			continue
		}

		entry, err := m.db.GetByDigest(ctx, digest)
		switch {
		case errors.Is(err, metadb.ErrNotFound):
			// No entry claims this file.
		case err != nil:
			result.Errors = append(result.Errors, fmt.Sprintf("sweep-orphans lookup %s: %v", key, err))
			continue
		case entry.State == mediacache.StateCached || entry.State == mediacache.StateDownloading:
			continue
		}

		size, _ := m.files.Size(ctx, key)
		if err := m.files.Delete(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("sweep-orphans delete %s: %v", key, err))
			continue
		}
		deleted++
		result.OrphansDeleted++
		result.BytesReclaimed += size
		m.logger.Debug("deleted orphaned file", "key", key, "size_bytes", size)
	}
}

var errScanDone = errors.New("retention: scan done")

// evict removes an entry and its cached file. The mutation re-reads the
// entry inside the transaction and aborts if a download has started in the
// meantime, so a sweep never pulls a file out from under a worker.
func (m *Manager) evict(ctx context.Context, entry *metadb.Entry, result *Result) bool {
	key := entry.Key()

	var localPath string
	var size int64
	removed := false
	_, err := m.db.Mutate(ctx, key, func(current *metadb.Entry) (*metadb.Entry, error) {
		if current == nil {
			return nil, metadb.ErrUnchanged
		}
		if current.State == mediacache.StateDownloading {
			return nil, metadb.ErrUnchanged
		}
		localPath = current.LocalPath
		size = current.SizeBytes
		removed = true
		return nil, nil
	})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("evict %s: %v", key, err))
		return false
	}
	if !removed {
		// Entry gone already, or a download started since the scan.
		return false
	}

	if localPath != "" {
		skey := key.StorageKey()
		if err := m.files.Delete(ctx, skey); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("evict delete %s: %v", skey, err))
		} else {
			result.BytesReclaimed += size
		}
	}
	return true
}
