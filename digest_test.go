package mediacache

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest(t *testing.T) {
	key := CacheKey{URL: "https://cdn.example.com/a.png", Kind: KindImage}

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, key.Digest(), key.Digest())
	})

	t.Run("kind is part of the identity", func(t *testing.T) {
		other := CacheKey{URL: key.URL, Kind: KindIcon}
		assert.NotEqual(t, key.Digest(), other.Digest())
	})

	t.Run("url is part of the identity", func(t *testing.T) {
		other := CacheKey{URL: "https://cdn.example.com/b.png", Kind: KindImage}
		assert.NotEqual(t, key.Digest(), other.Digest())
	})

	t.Run("string round trip", func(t *testing.T) {
		d := key.Digest()
		require.Len(t, d.String(), DigestSize*2)

		parsed, err := ParseDigest(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, parsed)
	})

	t.Run("dir is the first hex byte", func(t *testing.T) {
		d := key.Digest()
		assert.Equal(t, d.String()[:2], d.Dir())
	})

	t.Run("is zero", func(t *testing.T) {
		assert.True(t, Digest{}.IsZero())
		assert.False(t, key.Digest().IsZero())
	})

	t.Run("parse rejects bad input", func(t *testing.T) {
		_, err := ParseDigest("abc")
		require.Error(t, err)

		_, err = ParseDigest("zz00000000000000000000000000000000000000000000000000000000000000")
		require.Error(t, err)
	})

	t.Run("json round trip", func(t *testing.T) {
		d := key.Digest()
		data, err := json.Marshal(d)
		require.NoError(t, err)

		var got Digest
		require.NoError(t, json.Unmarshal(data, &got))
		assert.Equal(t, d, got)
	})
}
