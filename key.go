package mediacache

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// CacheKey identifies a cached resource. Two requests for the same URL under
// the same kind always resolve to the same key; the key is the sole identity
// of a cache entry.
type CacheKey struct {
	URL  string
	Kind MediaKind
}

// NewCacheKey creates a key for the given remote URL and media kind.
func NewCacheKey(rawURL string, kind MediaKind) CacheKey {
	return CacheKey{URL: rawURL, Kind: kind}
}

// Validate checks that the key has a usable URL and a known kind.
// A key that fails validation is permanently unfetchable.
func (k CacheKey) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("unknown media kind: %q", k.Kind)
	}
	u, err := url.Parse(k.URL)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme: %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url has no host: %q", k.URL)
	}
	return nil
}

// Digest returns the BLAKE3 digest of the key, used to name the local file.
func (k CacheKey) Digest() Digest {
	return digestKey(k.Kind, k.URL)
}

// String returns a compact representation for logs.
func (k CacheKey) String() string {
	return string(k.Kind) + ":" + k.URL
}

const mediaPrefix = "media/"

// StorageKey returns the backend storage key for the cached file, sharded by
// the first digest byte: media/<2 hex chars>/<64 hex chars>.
func (k CacheKey) StorageKey() string {
	return StorageKeyForDigest(k.Digest())
}

// StorageKeyForDigest returns the backend storage key for a digest.
func StorageKeyForDigest(d Digest) string {
	return mediaPrefix + d.Dir() + "/" + d.String()
}

// ParseStorageKey extracts the digest from a backend storage key. Keys that
// do not follow the media file naming scheme return an error; retention
// sweeps use this to tell orphaned media files from foreign files.
func ParseStorageKey(key string) (Digest, error) {
	if !strings.HasPrefix(key, mediaPrefix) {
		return Digest{}, fmt.Errorf("not a media storage key: %q", key)
	}
	name := path.Base(key)
	d, err := ParseDigest(name)
	if err != nil {
		return Digest{}, fmt.Errorf("parsing storage key %q: %w", key, err)
	}
	if path.Dir(key) != mediaPrefix+d.Dir() {
		return Digest{}, fmt.Errorf("storage key %q not in shard %s", key, d.Dir())
	}
	return d, nil
}
