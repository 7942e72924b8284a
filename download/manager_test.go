package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
)

func fastConfig() Config {
	return Config{
		Workers:        2,
		QueueDepth:     32,
		RetryCeiling:   2,
		FetchTimeout:   5 * time.Second,
		BackoffInitial: time.Millisecond,
		BackoffMax:     5 * time.Millisecond,
	}
}

type testEnv struct {
	db    *metadb.BoltDB
	files backend.LocalBackend
	mgr   *Manager
	url   string
}

func (e *testEnv) key(path string, kind mediacache.MediaKind) mediacache.CacheKey {
	return mediacache.CacheKey{URL: e.url + path, Kind: kind}
}

func newTestManager(t *testing.T, handler http.Handler, cfg Config) *testEnv {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	mgr := New(db, fs, cfg, WithFetcher(NewFetcher(WithClient(srv.Client()))))
	mgr.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Stop(ctx)
	})

	return &testEnv{db: db, files: fs, mgr: mgr, url: srv.URL}
}

func waitForState(t *testing.T, db metadb.MetaDB, key mediacache.CacheKey, want mediacache.State) *metadb.Entry {
	t.Helper()

	var entry *metadb.Entry
	require.Eventually(t, func() bool {
		var err error
		entry, err = db.Get(context.Background(), key)
		return err == nil && entry.State == want
	}, 5*time.Second, 10*time.Millisecond, "entry never reached state %s", want)
	return entry
}

func servePNG(size int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes(size))
	})
}

func TestManagerDownloadMedia(t *testing.T) {
	ctx := context.Background()
	env := newTestManager(t, servePNG(2048), fastConfig())
	key := env.key("/a.png", mediacache.KindImage)

	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))

	entry := waitForState(t, env.db, key, mediacache.StateCached)
	assert.Equal(t, int64(2048), entry.SizeBytes)
	assert.NotEmpty(t, entry.LocalPath)
	assert.Zero(t, entry.RetryCount)
	assert.False(t, entry.CachedAt.IsZero())

	exists, err := env.files.Exists(ctx, key.StorageKey())
	require.NoError(t, err)
	assert.True(t, exists)

	ok, err := env.mgr.CheckMediaExists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	stats := env.mgr.QueueStats()
	assert.Equal(t, int64(1), stats.TotalItems)
	assert.Equal(t, int64(1), stats.CompletedItems)
	assert.Equal(t, int64(0), stats.FailedItems)
}

func TestManagerDeduplicatesRequests(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(pngBytes(1024))
	})

	env := newTestManager(t, handler, fastConfig())
	key := env.key("/dup.png", mediacache.KindImage)

	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))

	// The entry is Downloading from the moment the first request is
	// accepted, so every further request attaches instead of enqueueing.
	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
	assert.Equal(t, int64(1), env.mgr.QueueStats().TotalItems)

	close(release)
	waitForState(t, env.db, key, mediacache.StateCached)
	assert.Equal(t, int32(1), hits.Load())
}

func TestManagerOpportunisticNoOps(t *testing.T) {
	ctx := context.Background()
	env := newTestManager(t, servePNG(64), fastConfig())

	t.Run("cached", func(t *testing.T) {
		key := env.key("/cached.png", mediacache.KindImage)
		require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
		waitForState(t, env.db, key, mediacache.StateCached)

		before := env.mgr.QueueStats().TotalItems
		require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
		assert.Equal(t, before, env.mgr.QueueStats().TotalItems)
	})

	t.Run("user deleted", func(t *testing.T) {
		key := env.key("/deleted.png", mediacache.KindImage)
		require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
		waitForState(t, env.db, key, mediacache.StateCached)
		require.NoError(t, env.mgr.DeleteCachedMedia(ctx, key))

		before := env.mgr.QueueStats().TotalItems
		require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
		assert.Equal(t, before, env.mgr.QueueStats().TotalItems)

		entry, err := env.db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, mediacache.StateUserDeleted, entry.State)
	})
}

func TestManagerRetryEscalation(t *testing.T) {
	ctx := context.Background()

	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream down", http.StatusServiceUnavailable)
	})

	cfg := fastConfig()
	cfg.RetryCeiling = 1
	env := newTestManager(t, handler, cfg)
	key := env.key("/flaky.png", mediacache.KindImage)

	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))

	entry := waitForState(t, env.db, key, mediacache.StatePermanentFailure)
	assert.Equal(t, mediacache.CodeRetryExhausted, entry.ErrorCode)
	assert.Equal(t, 2, entry.RetryCount)
	assert.Equal(t, int32(2), hits.Load(), "initial attempt plus one retry")
	assert.Equal(t, int64(1), env.mgr.QueueStats().FailedItems)

	// Exhausted entries stay put without an explicit force.
	before := env.mgr.QueueStats().TotalItems
	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
	assert.Equal(t, before, env.mgr.QueueStats().TotalItems)
}

func TestManagerForceOverridesPermanentFailure(t *testing.T) {
	ctx := context.Background()

	var available atomic.Bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !available.Load() {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(pngBytes(256))
	})

	env := newTestManager(t, handler, fastConfig())
	key := env.key("/later.png", mediacache.KindImage)

	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
	entry := waitForState(t, env.db, key, mediacache.StatePermanentFailure)
	assert.Equal(t, mediacache.CodeClientError, entry.ErrorCode)

	available.Store(true)
	require.NoError(t, env.mgr.ForceMediaDownload(ctx, key, time.Now()))

	entry = waitForState(t, env.db, key, mediacache.StateCached)
	assert.Zero(t, entry.RetryCount)
	assert.Empty(t, entry.ErrorCode)
}

func TestManagerDeleteCachedMedia(t *testing.T) {
	ctx := context.Background()
	env := newTestManager(t, servePNG(512), fastConfig())
	key := env.key("/mine.png", mediacache.KindImage)

	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
	waitForState(t, env.db, key, mediacache.StateCached)

	require.NoError(t, env.mgr.DeleteCachedMedia(ctx, key))

	entry, err := env.db.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, mediacache.StateUserDeleted, entry.State)
	assert.Empty(t, entry.LocalPath)
	assert.Zero(t, entry.SizeBytes)

	exists, err := env.files.Exists(ctx, key.StorageKey())
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err := env.mgr.CheckMediaExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("force redownloads", func(t *testing.T) {
		require.NoError(t, env.mgr.ForceMediaDownload(ctx, key, time.Now()))
		waitForState(t, env.db, key, mediacache.StateCached)
	})

	t.Run("delete of non-cached is a no-op", func(t *testing.T) {
		other := env.key("/never-downloaded.png", mediacache.KindImage)
		require.NoError(t, env.mgr.DeleteCachedMedia(ctx, other))

		_, err := env.db.Get(ctx, other)
		require.ErrorIs(t, err, metadb.ErrNotFound)
	})
}

func TestManagerDeleteCancelsInflight(t *testing.T) {
	ctx := context.Background()

	release := make(chan struct{})
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write(pngBytes(1024))
	})

	env := newTestManager(t, handler, fastConfig())
	key := env.key("/inflight.png", mediacache.KindImage)

	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
	require.Eventually(t, func() bool {
		return hits.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, env.mgr.DeleteCachedMedia(ctx, key))
	close(release)

	// The worker must not resurrect the entry or leave its file behind.
	time.Sleep(100 * time.Millisecond)
	entry, err := env.db.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, mediacache.StateUserDeleted, entry.State)

	exists, err := env.files.Exists(ctx, key.StorageKey())
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestManagerMarkAsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestManager(t, servePNG(128), fastConfig())

	t.Run("cached entry loses its file", func(t *testing.T) {
		key := env.key("/bad.png", mediacache.KindImage)
		require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
		waitForState(t, env.db, key, mediacache.StateCached)

		require.NoError(t, env.mgr.MarkAsPermanentFailure(ctx, key, mediacache.CodeContentInvalid))

		entry, err := env.db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, mediacache.StatePermanentFailure, entry.State)
		assert.Equal(t, mediacache.CodeContentInvalid, entry.ErrorCode)
		assert.Empty(t, entry.LocalPath)

		exists, err := env.files.Exists(ctx, key.StorageKey())
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("unknown key gets an entry", func(t *testing.T) {
		key := env.key("/unknown.png", mediacache.KindImage)
		require.NoError(t, env.mgr.MarkAsPermanentFailure(ctx, key, mediacache.CodeClientError))

		entry, err := env.db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, mediacache.StatePermanentFailure, entry.State)
		assert.Equal(t, mediacache.CodeClientError, entry.ErrorCode)
	})
}

func TestManagerContentMismatch(t *testing.T) {
	ctx := context.Background()
	env := newTestManager(t, servePNG(1024), fastConfig())

	// PNG bytes requested as video: validation fails, no retries.
	key := env.key("/notavideo.mp4", mediacache.KindVideo)
	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))

	entry := waitForState(t, env.db, key, mediacache.StatePermanentFailure)
	assert.Equal(t, mediacache.CodeContentInvalid, entry.ErrorCode)

	exists, err := env.files.Exists(ctx, key.StorageKey())
	require.NoError(t, err)
	assert.False(t, exists, "failed validation must not leave a committed file")
}

func TestManagerCheckMediaExistsHealsVanishedFile(t *testing.T) {
	ctx := context.Background()
	env := newTestManager(t, servePNG(64), fastConfig())
	key := env.key("/vanish.png", mediacache.KindImage)

	require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
	waitForState(t, env.db, key, mediacache.StateCached)

	// Something external removed the file.
	require.NoError(t, env.files.Delete(ctx, key.StorageKey()))

	ok, err := env.mgr.CheckMediaExists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// The stale entry is dropped so a later download can heal it.
	_, err = env.db.Get(ctx, key)
	require.ErrorIs(t, err, metadb.ErrNotFound)
}

func TestManagerClearQueue(t *testing.T) {
	ctx := context.Background()

	db := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "meta.db")))
	t.Cleanup(func() { _ = db.Close() })

	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	// Not started: jobs stay queued so ClearQueue has something to drop.
	mgr := New(db, fs, fastConfig())

	t.Run("fresh entries are dropped", func(t *testing.T) {
		key := mediacache.CacheKey{URL: "https://cdn.example.com/q1.png", Kind: mediacache.KindImage}
		require.NoError(t, mgr.DownloadMedia(ctx, key, time.Now()))

		entry, err := db.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, mediacache.StateDownloading, entry.State)

		mgr.ClearQueue()

		_, err = db.Get(ctx, key)
		require.ErrorIs(t, err, metadb.ErrNotFound)
	})

	t.Run("prior state is restored", func(t *testing.T) {
		key := mediacache.CacheKey{URL: "https://cdn.example.com/q2.png", Kind: mediacache.KindImage}
		require.NoError(t, db.Put(ctx, &metadb.Entry{
			URL: key.URL, Kind: key.Kind,
			State:     mediacache.StateTransientFailure,
			ErrorCode: mediacache.CodeNetwork,
			RetryCount: 1,
		}))

		require.NoError(t, mgr.ForceMediaDownload(ctx, key, time.Now()))
		mgr.ClearQueue()

		entry, err := db.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, mediacache.StateTransientFailure, entry.State)
		assert.Equal(t, mediacache.CodeNetwork, entry.ErrorCode)
		assert.Equal(t, 1, entry.RetryCount)
	})
}

func TestManagerStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestManager(t, servePNG(64), fastConfig())

	t.Run("missing reads as not cached", func(t *testing.T) {
		key := env.key("/nothing.png", mediacache.KindImage)
		status, err := env.mgr.Status(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, mediacache.StateNotCached, status.State)
		assert.Equal(t, key, status.Key)
	})

	t.Run("cached has path and size", func(t *testing.T) {
		key := env.key("/status.png", mediacache.KindImage)
		require.NoError(t, env.mgr.DownloadMedia(ctx, key, time.Now()))
		waitForState(t, env.db, key, mediacache.StateCached)

		status, err := env.mgr.Status(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, mediacache.StateCached, status.State)
		assert.NotEmpty(t, status.LocalPath)
		assert.Equal(t, int64(64), status.SizeBytes)
	})
}

func TestManagerStop(t *testing.T) {
	env := newTestManager(t, servePNG(64), fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.mgr.Stop(ctx))

	// Idempotent.
	require.NoError(t, env.mgr.Stop(ctx))
}
