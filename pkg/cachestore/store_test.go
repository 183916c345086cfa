package cachestore_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevali/crawl/pkg/cachekey"
	"github.com/nevali/crawl/pkg/cachestore"
	"github.com/nevali/crawl/pkg/object"
)

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("path must be absolute", func(t *testing.T) {
		t.Parallel()

		_, err := cachestore.New(newContext(), "somedir")
		assert.ErrorIs(t, err, cachestore.ErrPathMustBeAbsolute)
	})

	t.Run("path must exist", func(t *testing.T) {
		t.Parallel()

		_, err := cachestore.New(newContext(), "/non-existing-crawl-cache-root")
		assert.ErrorIs(t, err, cachestore.ErrPathMustExist)
	})

	t.Run("path must be a directory", func(t *testing.T) {
		t.Parallel()

		f, err := os.CreateTemp("", "somefile")
		require.NoError(t, err)
		t.Cleanup(func() { os.Remove(f.Name()) })

		_, err = cachestore.New(newContext(), f.Name())
		assert.ErrorIs(t, err, cachestore.ErrPathMustBeADirectory)
	})

	t.Run("path must be writable", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.Chmod(dir, 0o500))
		t.Cleanup(func() { os.Chmod(dir, 0o700) })

		_, err := cachestore.New(newContext(), dir)
		assert.ErrorIs(t, err, cachestore.ErrPathMustBeWritable)
	})

	t.Run("valid path returns no error", func(t *testing.T) {
		t.Parallel()

		_, err := cachestore.New(newContext(), t.TempDir())
		assert.NoError(t, err)
	})
}

func TestStore_CommitInfoAndPayload(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	store, err := cachestore.New(ctx, t.TempDir())
	require.NoError(t, err)

	key := cachekey.Derive("http://example.org/a")

	infoW, err := store.OpenInfoWrite(ctx, key)
	require.NoError(t, err)

	meta := object.Metadata{Status: 200, Updated: 1000, Size: 5, Type: "text/plain"}
	body, err := meta.Marshal()
	require.NoError(t, err)

	_, err = infoW.Write(body)
	require.NoError(t, err)
	require.NoError(t, infoW.Commit())

	payloadW, err := store.OpenPayloadWrite(ctx, key)
	require.NoError(t, err)

	_, err = payloadW.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, payloadW.Commit())

	got, ok, err := store.Stat(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, meta, got)

	payloadBytes, err := os.ReadFile(store.PayloadPath(key))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payloadBytes))

	wantPath := cachekey.ShardPath(store.Base(), key, cachestore.PayloadSuffix, false)
	assert.Equal(t, wantPath, store.PayloadPath(key))
}

func TestStore_RollbackLeavesNoTrace(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	store, err := cachestore.New(ctx, t.TempDir())
	require.NoError(t, err)

	key := cachekey.Derive("http://example.org/b")

	infoW, err := store.OpenInfoWrite(ctx, key)
	require.NoError(t, err)

	_, err = infoW.Write([]byte(`{"status":500}`))
	require.NoError(t, err)
	require.NoError(t, infoW.Rollback())

	_, ok, err := store.Stat(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	tmpPath := cachekey.ShardPath(store.Base(), key, cachestore.InfoSuffix, true)
	_, statErr := os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestStore_OpenInfoRead_NotFound(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	store, err := cachestore.New(ctx, t.TempDir())
	require.NoError(t, err)

	_, err = store.OpenInfoRead(ctx, cachekey.Derive("http://example.org/missing"))
	assert.ErrorIs(t, err, cachestore.ErrNotFound)
}

func TestStore_ShardedLayout(t *testing.T) {
	t.Parallel()

	ctx := newContext()
	base := t.TempDir()
	store, err := cachestore.New(ctx, base)
	require.NoError(t, err)

	key := cachekey.Derive("http://example.org/c")

	infoW, err := store.OpenInfoWrite(ctx, key)
	require.NoError(t, err)
	require.NoError(t, infoW.Commit())

	want := filepath.Join(base, key[0:2], key[2:4], key+".json")
	_, statErr := os.Stat(want)
	assert.NoError(t, statErr)
}
