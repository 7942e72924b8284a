package retention

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
)

type testEnv struct {
	db    *metadb.BoltDB
	files backend.LocalBackend
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	return &testEnv{db: db, files: fs}
}

func (e *testEnv) manager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	return New(e.db, e.files, cfg, nil, nil)
}

// addCached stores a Cached entry and the file behind it.
func (e *testEnv) addCached(t *testing.T, url string, kind mediacache.MediaKind, size int, associatedAt, lastAccess time.Time) mediacache.CacheKey {
	t.Helper()
	ctx := context.Background()

	key := mediacache.CacheKey{URL: url, Kind: kind}
	require.NoError(t, e.files.Write(ctx, key.StorageKey(), strings.NewReader(strings.Repeat("x", size))))
	require.NoError(t, e.db.Put(ctx, &metadb.Entry{
		URL:          url,
		Kind:         kind,
		State:        mediacache.StateCached,
		LocalPath:    e.files.Path(key.StorageKey()),
		SizeBytes:    int64(size),
		AssociatedAt: associatedAt,
		LastAccess:   lastAccess,
		CachedAt:     associatedAt,
	}))
	return key
}

func (e *testEnv) entryGone(t *testing.T, key mediacache.CacheKey) bool {
	t.Helper()
	_, err := e.db.Get(context.Background(), key)
	return err != nil
}

func (e *testEnv) fileGone(t *testing.T, key mediacache.CacheKey) bool {
	t.Helper()
	exists, err := e.files.Exists(context.Background(), key.StorageKey())
	require.NoError(t, err)
	return !exists
}

func TestRetentionExpireAged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now()

	old := env.addCached(t, "https://x.com/old.png", mediacache.KindImage, 100, now.Add(-48*time.Hour), now)
	fresh := env.addCached(t, "https://x.com/fresh.png", mediacache.KindImage, 100, now.Add(-time.Hour), now)

	// Tombstones age out too.
	tombKey := mediacache.CacheKey{URL: "https://x.com/tomb.png", Kind: mediacache.KindImage}
	require.NoError(t, env.db.Put(ctx, &metadb.Entry{
		URL: tombKey.URL, Kind: tombKey.Kind,
		State:        mediacache.StateUserDeleted,
		AssociatedAt: now.Add(-48 * time.Hour),
	}))

	m := env.manager(t, Config{MaxAge: 24 * time.Hour})
	result := m.RunNow(ctx)

	assert.Equal(t, 2, result.AgedEvicted)
	assert.Empty(t, result.Errors)
	assert.True(t, env.entryGone(t, old))
	assert.True(t, env.fileGone(t, old))
	assert.True(t, env.entryGone(t, tombKey))
	assert.False(t, env.entryGone(t, fresh))
	assert.False(t, env.fileGone(t, fresh))
}

func TestRetentionSkipsDownloading(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now()

	key := mediacache.CacheKey{URL: "https://x.com/busy.png", Kind: mediacache.KindImage}
	require.NoError(t, env.db.Put(ctx, &metadb.Entry{
		URL: key.URL, Kind: key.Kind,
		State:        mediacache.StateDownloading,
		AssociatedAt: now.Add(-48 * time.Hour),
	}))

	m := env.manager(t, Config{MaxAge: 24 * time.Hour})
	result := m.RunNow(ctx)

	assert.Zero(t, result.AgedEvicted)
	assert.False(t, env.entryGone(t, key), "a downloading entry must never be evicted")
}

func TestRetentionEnforceKindCounts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now()

	oldest := env.addCached(t, "https://x.com/1.png", mediacache.KindImage, 10, now, now.Add(-3*time.Hour))
	middle := env.addCached(t, "https://x.com/2.png", mediacache.KindImage, 10, now, now.Add(-2*time.Hour))
	newest := env.addCached(t, "https://x.com/3.png", mediacache.KindImage, 10, now, now.Add(-time.Hour))
	video := env.addCached(t, "https://x.com/v.mp4", mediacache.KindVideo, 10, now, now.Add(-5*time.Hour))

	m := env.manager(t, Config{
		MaxItemsPerKind: map[mediacache.MediaKind]int{mediacache.KindImage: 2},
	})
	result := m.RunNow(ctx)

	assert.Equal(t, 1, result.CountEvicted)
	assert.True(t, env.entryGone(t, oldest), "LRU image should be evicted first")
	assert.False(t, env.entryGone(t, middle))
	assert.False(t, env.entryGone(t, newest))
	assert.False(t, env.entryGone(t, video), "other kinds are outside the image budget")
}

func TestRetentionEnforceTotalSize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now()

	oldest := env.addCached(t, "https://x.com/a.png", mediacache.KindImage, 100, now, now.Add(-3*time.Hour))
	middle := env.addCached(t, "https://x.com/b.png", mediacache.KindImage, 100, now, now.Add(-2*time.Hour))
	newest := env.addCached(t, "https://x.com/c.png", mediacache.KindImage, 100, now, now.Add(-time.Hour))

	m := env.manager(t, Config{MaxTotalBytes: 150})
	result := m.RunNow(ctx)

	assert.Equal(t, 2, result.SizeEvicted)
	assert.GreaterOrEqual(t, result.BytesReclaimed, int64(200))
	assert.True(t, env.entryGone(t, oldest))
	assert.True(t, env.entryGone(t, middle))
	assert.False(t, env.entryGone(t, newest))

	total, err := env.db.TotalCachedSize(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(150))
}

func TestRetentionSweepOrphans(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now()

	claimed := env.addCached(t, "https://x.com/claimed.png", mediacache.KindImage, 10, now, now)

	// File on disk with no entry at all.
	orphan := mediacache.CacheKey{URL: "https://x.com/orphan.png", Kind: mediacache.KindImage}
	require.NoError(t, env.files.Write(ctx, orphan.StorageKey(), strings.NewReader("orphaned")))

	// File whose entry no longer claims a cached copy.
	deleted := mediacache.CacheKey{URL: "https://x.com/gone.png", Kind: mediacache.KindImage}
	require.NoError(t, env.files.Write(ctx, deleted.StorageKey(), strings.NewReader("leftover")))
	require.NoError(t, env.db.Put(ctx, &metadb.Entry{
		URL: deleted.URL, Kind: deleted.Kind,
		State: mediacache.StateUserDeleted, AssociatedAt: now,
	}))

	// Foreign file outside the naming scheme.
	require.NoError(t, env.files.Write(ctx, "media/ab/readme.txt", strings.NewReader("keep")))

	m := env.manager(t, Config{})
	result := m.RunNow(ctx)

	assert.Equal(t, 2, result.OrphansDeleted)
	assert.True(t, env.fileGone(t, orphan))
	assert.True(t, env.fileGone(t, deleted))
	assert.False(t, env.fileGone(t, claimed))

	exists, err := env.files.Exists(ctx, "media/ab/readme.txt")
	require.NoError(t, err)
	assert.True(t, exists, "foreign files are left alone")
}

func TestRetentionStartStop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	cfg := Config{
		Interval:     time.Hour,
		StartupDelay: time.Hour, // never fires during the test
	}
	m := env.manager(t, cfg)

	m.Start(ctx)

	// Kick forces a sweep through the background goroutine.
	m.Kick()
	require.Eventually(t, func() bool {
		return m.Status() != nil
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))

	// Idempotent.
	require.NoError(t, m.Stop(stopCtx))
}

func TestRetentionResultStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	now := time.Now()

	env.addCached(t, "https://x.com/s.png", mediacache.KindImage, 10, now.Add(-48*time.Hour), now)

	m := env.manager(t, Config{MaxAge: 24 * time.Hour})
	require.Nil(t, m.Status())

	result := m.RunNow(ctx)
	assert.Same(t, result, m.Status())
	assert.False(t, result.StartedAt.IsZero())
	assert.Equal(t, 1, result.AgedEvicted)
}
