package cachekey_test

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevali/crawl/pkg/cachekey"
)

func TestDerive_IgnoresFragment(t *testing.T) {
	t.Parallel()

	base := cachekey.Derive("http://example.org/a")
	withFrag := cachekey.Derive("http://example.org/a#section-2")

	assert.Equal(t, base, withFrag)
	assert.Len(t, base, cachekey.Length)
}

func TestDerive_DifferentURIsDiffer(t *testing.T) {
	t.Parallel()

	a := cachekey.Derive("http://example.org/a")
	b := cachekey.Derive("http://example.org/b")

	assert.NotEqual(t, a, b)
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, cachekey.Valid(cachekey.Derive("http://example.org/a")))
	assert.False(t, cachekey.Valid("too-short"))
	assert.False(t, cachekey.Valid("ZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZZ"))
}

func TestShortKey(t *testing.T) {
	t.Parallel()

	key := cachekey.Derive("http://example.org/a")

	short, err := cachekey.ShortKey(key)
	require.NoError(t, err)

	want, err := strconv.ParseUint(key[:8], 16, 32)
	require.NoError(t, err)
	assert.Equal(t, uint32(want), short)

	_, err = cachekey.ShortKey("not-a-key")
	require.ErrorIs(t, err, cachekey.ErrInvalidKey)
}

func TestBucket(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, cachekey.Bucket(0, 1))
	assert.Equal(t, 1, cachekey.Bucket(42, 1))
	assert.Equal(t, int(42%4)+1, cachekey.Bucket(42, 4))

	assert.Panics(t, func() { cachekey.Bucket(1, 0) })
}

func TestShardPath(t *testing.T) {
	t.Parallel()

	key := "0123456789abcdef0123456789abcdef"[:32]

	got := cachekey.ShardPath("/base", key, "json", false)
	want := filepath.Join("/base", key[0:2], key[2:4], key+".json")
	assert.Equal(t, want, got)

	gotTmp := cachekey.ShardPath("/base", key, "json", true)
	assert.Equal(t, want+".tmp", gotTmp)
}
