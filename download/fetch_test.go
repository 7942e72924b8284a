package download

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mediacache "github.com/wolfeidau/media-cache"
)

func TestFetcher(t *testing.T) {
	ctx := context.Background()

	t.Run("plain body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
			_, _ = w.Write(pngBytes(64))
		}))
		defer srv.Close()

		f := NewFetcher(WithClient(srv.Client()))
		body, err := f.Fetch(ctx, mediacache.CacheKey{URL: srv.URL + "/a.png", Kind: mediacache.KindImage})
		require.NoError(t, err)
		defer body.Close()

		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, pngBytes(64), data)
	})

	t.Run("gzip body is decoded", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Encoding", "gzip")
			gz := gzip.NewWriter(w)
			_, _ = gz.Write(pngBytes(64))
			_ = gz.Close()
		}))
		defer srv.Close()

		f := NewFetcher(WithClient(srv.Client()))
		body, err := f.Fetch(ctx, mediacache.CacheKey{URL: srv.URL + "/a.png", Kind: mediacache.KindImage})
		require.NoError(t, err)
		defer body.Close()

		data, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, pngBytes(64), data)
	})

	t.Run("status is classified", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusGone)
		}))
		defer srv.Close()

		f := NewFetcher(WithClient(srv.Client()))
		_, err := f.Fetch(ctx, mediacache.CacheKey{URL: srv.URL + "/a.png", Kind: mediacache.KindImage})

		var derr *Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, mediacache.CodeClientError, derr.Code)
		assert.Equal(t, ClassPermanent, derr.Class)
		assert.Equal(t, http.StatusGone, derr.Status)
	})

	t.Run("invalid key is a permanent client error", func(t *testing.T) {
		f := NewFetcher()
		_, err := f.Fetch(ctx, mediacache.CacheKey{URL: "ftp://example.com/a.png", Kind: mediacache.KindImage})

		var derr *Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, mediacache.CodeClientError, derr.Code)
		assert.Equal(t, ClassPermanent, derr.Class)
	})

	t.Run("user agent is sent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "test-agent/1.0", r.Header.Get("User-Agent"))
			_, _ = w.Write(pngBytes(8))
		}))
		defer srv.Close()

		f := NewFetcher(WithClient(srv.Client()), WithUserAgent("test-agent/1.0"))
		body, err := f.Fetch(ctx, mediacache.CacheKey{URL: srv.URL, Kind: mediacache.KindImage})
		require.NoError(t, err)
		_ = body.Close()
	})
}
