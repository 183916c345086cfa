package crawlcontext_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nevali/crawl/pkg/cachestore"
	"github.com/nevali/crawl/pkg/crawlcontext"
	"github.com/nevali/crawl/pkg/fetcher"
	"github.com/nevali/crawl/pkg/processor"
	"github.com/nevali/crawl/pkg/queue"
	"github.com/nevali/crawl/pkg/queuedb"
)

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}

func newTestContext(t *testing.T) (*crawlcontext.Context, *httptest.Server) {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(ts.Close)

	store, err := cachestore.New(context.Background(), t.TempDir())
	require.NoError(t, err)

	f := fetcher.New(store, nil)

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	db, err := queuedb.Open("sqlite:///"+dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q, err := queue.New(db, &queue.Options{NCrawlers: 1, NCaches: 1})
	require.NoError(t, err)
	require.NoError(t, q.EnsureSchema(context.Background()))

	callbacks := processor.New(q, processor.Noop{})

	cc := crawlcontext.New(crawlcontext.Identity{CrawlerID: 1, CacheID: 1, CrawlerCount: 1, CacheCount: 1}, f, q, callbacks)

	return cc, ts
}

func TestContext_PerformDrainsQueue(t *testing.T) {
	t.Parallel()

	cc, ts := newTestContext(t)
	ctx := newContext()

	require.NoError(t, cc.Queue.AddURIStr(ctx, ts.URL+"/a"))

	// A new resource becomes eligible once its next_fetch (the insert
	// second) is strictly in the past.
	time.Sleep(time.Second)

	require.NoError(t, cc.Perform(ctx))

	err := cc.Perform(ctx)
	require.ErrorIs(t, err, crawlcontext.ErrNoWork)
}

func TestContext_FetchAndLocate(t *testing.T) {
	t.Parallel()

	cc, ts := newTestContext(t)
	ctx := newContext()

	uri, err := url.Parse(ts.URL + "/a")
	require.NoError(t, err)

	obj, err := cc.FetchURI(ctx, uri)
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, http.StatusOK, obj.Status)

	located, ok, err := cc.LocateURI(ctx, uri)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, http.StatusOK, located.Status)
}
