package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/policy"
	"github.com/wolfeidau/media-cache/store/metadb"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}

func newTestService(t *testing.T, opts ...Option) (*Service, string) {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngHeader)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	cfg := Config{
		DataDir: filepath.Join(dir, "media"),
		DBPath:  filepath.Join(dir, "meta.db"),
		Download: download.Config{
			Workers:        2,
			BackoffInitial: time.Millisecond,
			BackoffMax:     5 * time.Millisecond,
		},
	}

	opts = append([]Option{
		WithFetcher(download.NewFetcher(download.WithClient(srv.Client()))),
	}, opts...)

	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	return svc, srv.URL
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	require.NoError(t, svc.Open(ctx))
	require.Error(t, svc.Open(ctx), "double open must fail")

	require.NoError(t, svc.Close(ctx))
	require.NoError(t, svc.Close(ctx), "double close is a no-op")
}

func TestServiceDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, url := newTestService(t)

	require.NoError(t, svc.Open(ctx))
	t.Cleanup(func() { _ = svc.Close(ctx) })

	key := mediacache.CacheKey{URL: url + "/a.png", Kind: mediacache.KindImage}
	require.NoError(t, svc.Downloads.DownloadMedia(ctx, key, time.Now()))

	require.Eventually(t, func() bool {
		ok, err := svc.Downloads.CheckMediaExists(ctx, key)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	snap, err := svc.Stats.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalItems)
	assert.Equal(t, 1, snap.ItemsByKind[mediacache.KindImage])
}

func TestServiceAutoDownload(t *testing.T) {
	ctx := context.Background()

	settings := policy.Settings{
		Enabled: map[mediacache.MediaKind]bool{mediacache.KindImage: true},
	}
	svc, url := newTestService(t, WithAutoDownloadSettings(func() policy.Settings {
		return settings
	}))

	require.NoError(t, svc.Open(ctx))
	t.Cleanup(func() { _ = svc.Close(ctx) })

	svc.AutoDownload(ctx, policy.Wifi, policy.Notification{
		ReceivedAt: time.Now(),
		Attachments: []policy.Attachment{
			{URL: url + "/auto.png", Kind: mediacache.KindImage},
			{URL: url + "/auto.mp4", Kind: mediacache.KindVideo}, // disabled kind
		},
	})

	imageKey := mediacache.CacheKey{URL: url + "/auto.png", Kind: mediacache.KindImage}
	require.Eventually(t, func() bool {
		ok, err := svc.Downloads.CheckMediaExists(ctx, imageKey)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)

	videoKey := mediacache.CacheKey{URL: url + "/auto.mp4", Kind: mediacache.KindVideo}
	status, err := svc.Downloads.Status(ctx, videoKey)
	require.NoError(t, err)
	assert.Equal(t, mediacache.StateNotCached, status.State)
}

func TestServiceRecoverStale(t *testing.T) {
	ctx := context.Background()
	svc, url := newTestService(t)

	// A previous process died mid-download, leaving a Downloading entry with
	// no job behind it.
	key := mediacache.CacheKey{URL: url + "/stranded.png", Kind: mediacache.KindImage}
	seed := metadb.NewBoltDB(metadb.WithNoSync(true))
	require.NoError(t, seed.Open(svc.config.DBPath))
	require.NoError(t, seed.Put(ctx, &metadb.Entry{
		URL: key.URL, Kind: key.Kind,
		State:        mediacache.StateDownloading,
		AssociatedAt: time.Now(),
	}))
	require.NoError(t, seed.Close())

	require.NoError(t, svc.Open(ctx))
	t.Cleanup(func() { _ = svc.Close(ctx) })

	entry, err := svc.DB.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, mediacache.StateNotCached, entry.State)

	// The recovered entry can be downloaded again.
	require.NoError(t, svc.Downloads.DownloadMedia(ctx, key, time.Now()))
	require.Eventually(t, func() bool {
		ok, err := svc.Downloads.CheckMediaExists(ctx, key)
		return err == nil && ok
	}, 5*time.Second, 10*time.Millisecond)
}
