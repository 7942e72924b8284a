package download

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/klauspost/compress/gzip"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Fetcher performs a single HTTP fetch of a remote media resource.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithClient sets the HTTP client. Used by tests; the default client wraps
// the instrumented transport.
func WithClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithUserAgent sets the User-Agent header for fetch requests.
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// NewFetcher creates a Fetcher. Compression is negotiated explicitly so
// the gzip decode path is under our control rather than the transport's.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	base := http.DefaultTransport
	if t, ok := base.(*http.Transport); ok {
		t = t.Clone()
		t.DisableCompression = true
		base = t
	}
	f := &Fetcher{
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(base),
		},
		userAgent: "media-cache/1.0",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch issues a GET for the key's URL and returns the (decoded) response
// body. Status codes and request construction failures are classified here;
// the caller streams the body to storage and classifies read errors.
// The caller must close the returned ReadCloser.
func (f *Fetcher) Fetch(ctx context.Context, key mediacache.CacheKey) (io.ReadCloser, error) {
	if err := key.Validate(); err != nil {
		return nil, &Error{Code: mediacache.CodeClientError, Class: ClassPermanent, Err: err}
	}

	ctx = telemetry.WithKind(ctx, string(key.Kind))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key.URL, nil)
	if err != nil {
		return nil, &Error{Code: mediacache.CodeClientError, Class: ClassPermanent, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := f.client.Do(req)
	if err != nil {
		// classify() handles context cancellation and timeouts.
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode)
	}

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			_ = resp.Body.Close()
			return nil, &Error{Code: mediacache.CodeContentInvalid, Class: ClassPermanent, Err: err}
		}
		return &gzipBody{Reader: gz, body: resp.Body}, nil
	}

	return resp.Body, nil
}

// classifyStatus maps a non-2xx HTTP status to a classified error.
// 4xx responses are client errors and permanent, except 408 and 429 which
// are retryable by convention. Everything else is a transient upstream
// failure.
func classifyStatus(status int) *Error {
	err := fmt.Errorf("unexpected status %d", status)

	if status >= 400 && status < 500 {
		switch status {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return &Error{Code: mediacache.CodeNetwork, Class: ClassTransient, Status: status, Err: err}
		}
		return &Error{Code: mediacache.CodeClientError, Class: ClassPermanent, Status: status, Err: err}
	}

	return &Error{Code: mediacache.CodeNetwork, Class: ClassTransient, Status: status, Err: err}
}

// gzipBody pairs a gzip reader with the underlying response body so both
// are closed together.
type gzipBody struct {
	*gzip.Reader
	body io.Closer
}

func (g *gzipBody) Close() error {
	err := g.Reader.Close()
	if berr := g.body.Close(); err == nil {
		err = berr
	}
	return err
}
