package fetcher_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevali/crawl/pkg/cachekey"
	"github.com/nevali/crawl/pkg/cachestore"
	"github.com/nevali/crawl/pkg/fetcher"
	"github.com/nevali/crawl/pkg/object"
)

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}

// recordingCallbacks implements fetcher.Callbacks and records every call,
// mirroring spec §8's invariant that exactly one callback fires per attempt.
type recordingCallbacks struct {
	updated, unchanged, failed int
	lastObj                    *object.Object
}

func (c *recordingCallbacks) Updated(_ context.Context, obj *object.Object, _ int64) error {
	c.updated++
	c.lastObj = obj

	return nil
}

func (c *recordingCallbacks) Unchanged(_ context.Context, obj *object.Object, _ int64) error {
	c.unchanged++
	c.lastObj = obj

	return nil
}

func (c *recordingCallbacks) Failed(_ context.Context, obj *object.Object, _ int64) error {
	c.failed++
	c.lastObj = obj

	return nil
}

func (c *recordingCallbacks) totalFired() int {
	return c.updated + c.unchanged + c.failed
}

func newFetcher(t *testing.T) (*fetcher.Fetcher, *cachestore.Store) {
	t.Helper()

	ctx := newContext()
	store, err := cachestore.New(ctx, t.TempDir())
	require.NoError(t, err)

	return fetcher.New(store, nil), store
}

func TestFetch_Fresh200(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("HELLO"))
	}))
	defer ts.Close()

	f, store := newFetcher(t)
	cb := &recordingCallbacks{}

	uri, err := url.Parse(ts.URL + "/a")
	require.NoError(t, err)

	obj, err := f.Fetch(newContext(), uri, cb)
	require.NoError(t, err)
	require.NotNil(t, obj)

	assert.Equal(t, 1, cb.totalFired())
	assert.Equal(t, 1, cb.updated)
	assert.Equal(t, http.StatusOK, obj.Status)
	assert.Equal(t, uint64(5), obj.Size)

	key := cachekey.Derive(uri.String())
	payload, err := os.ReadFile(store.PayloadPath(key))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(payload))
}

func TestFetch_Conditional304(t *testing.T) {
	t.Parallel()

	var requests int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++

		if requests == 1 {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("v1"))

			return
		}

		assert.NotEmpty(t, r.Header.Get("If-Modified-Since"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer ts.Close()

	f, _ := newFetcher(t)
	uri, err := url.Parse(ts.URL + "/a")
	require.NoError(t, err)

	cb1 := &recordingCallbacks{}
	_, err = f.Fetch(newContext(), uri, cb1)
	require.NoError(t, err)
	assert.Equal(t, 1, cb1.updated)

	cb2 := &recordingCallbacks{}
	obj, err := f.Fetch(newContext(), uri, cb2)
	require.NoError(t, err)
	assert.Equal(t, 1, cb2.unchanged)
	assert.Equal(t, 1, cb2.totalFired())
	assert.Equal(t, http.StatusOK, obj.Status) // prior metadata, unchanged
}

func TestFetch_Redirect(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/a" {
			w.Header().Set("Location", "/b")
			w.WriteHeader(http.StatusMovedPermanently)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	f, _ := newFetcher(t)
	uri, err := url.Parse(ts.URL + "/a")
	require.NoError(t, err)

	cb := &recordingCallbacks{}
	obj, err := f.Fetch(newContext(), uri, cb)
	require.NoError(t, err)

	assert.Equal(t, 1, cb.updated)
	assert.Equal(t, http.StatusMovedPermanently, obj.Status)
	assert.Equal(t, "/b", obj.Redirect())
}

func TestFetch_5xxWithPriorCacheRollsBack(t *testing.T) {
	t.Parallel()

	var requests int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++

		if requests == 1 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))

			return
		}

		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	f, _ := newFetcher(t)
	uri, err := url.Parse(ts.URL + "/a")
	require.NoError(t, err)

	cb1 := &recordingCallbacks{}
	_, err = f.Fetch(newContext(), uri, cb1)
	require.NoError(t, err)

	cb2 := &recordingCallbacks{}
	obj, err := f.Fetch(newContext(), uri, cb2)
	require.NoError(t, err)

	assert.Equal(t, 1, cb2.failed)
	assert.Equal(t, http.StatusOK, obj.Status) // prior cache preserved
}

func TestFetch_5xxWithoutPriorCacheCommits(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	f, _ := newFetcher(t)
	uri, err := url.Parse(ts.URL + "/a")
	require.NoError(t, err)

	cb := &recordingCallbacks{}
	obj, err := f.Fetch(newContext(), uri, cb)
	require.NoError(t, err)

	assert.Equal(t, 1, cb.failed)
	assert.Equal(t, http.StatusInternalServerError, obj.Status)
}

func TestFetch_CacheMinShortCircuitsHTTP(t *testing.T) {
	t.Parallel()

	var requests int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	ctx := newContext()
	store, err := cachestore.New(ctx, t.TempDir())
	require.NoError(t, err)

	f := fetcher.New(store, &fetcher.Options{CacheMin: time.Hour})

	uri, err := url.Parse(ts.URL + "/a")
	require.NoError(t, err)

	cb1 := &recordingCallbacks{}
	_, err = f.Fetch(ctx, uri, cb1)
	require.NoError(t, err)
	assert.Equal(t, 1, requests)

	cb2 := &recordingCallbacks{}
	obj, err := f.Fetch(ctx, uri, cb2)
	require.NoError(t, err)
	assert.Equal(t, 1, requests, "second fetch must not hit the network")
	assert.Equal(t, 0, cb2.totalFired(), "cache_min short-circuit fires no callback")
	assert.False(t, obj.Fresh, "cache_min short-circuit produces no new bytes")
}

