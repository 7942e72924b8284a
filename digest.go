// Package mediacache defines the core identity, state, and error types for
// the local media cache and its background download engine.
package mediacache

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of a BLAKE3 digest in bytes (256 bits).
const DigestSize = 32

// Digest is the BLAKE3 256-bit digest of a cache key. It is the on-disk
// naming scheme for cached media files, which makes orphaned files
// recoverable during retention sweeps.
type Digest [DigestSize]byte

// String returns the hex-encoded representation of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ShortString returns a shortened hex representation for display and logs.
func (d Digest) ShortString() string {
	return hex.EncodeToString(d[:8])
}

// Dir returns the first two characters of the hex-encoded digest,
// used for sharding media files into subdirectories.
func (d Digest) Dir() string {
	return hex.EncodeToString(d[:1])
}

// IsZero returns true if the digest is all zeros (uninitialized).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// ParseDigest parses a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// digestKey computes the BLAKE3 digest of a (kind, url) pair. The kind is
// folded into the digest so the same URL cached under two kinds yields two
// distinct files.
func digestKey(kind MediaKind, url string) Digest {
	h := blake3.New()
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(url))
	var d Digest
	h.Sum(d[:0])
	return d
}
