package driver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/nevali/crawl/pkg/cachestore"
	"github.com/nevali/crawl/pkg/crawlcontext"
	"github.com/nevali/crawl/pkg/driver"
	"github.com/nevali/crawl/pkg/fetcher"
	"github.com/nevali/crawl/pkg/processor"
	"github.com/nevali/crawl/pkg/queue"
	"github.com/nevali/crawl/pkg/queuedb"
)

func newContext() context.Context {
	return zerolog.New(io.Discard).WithContext(context.Background())
}

func TestDriver_Run_DrainsQueueThenStopsOnCancel(t *testing.T) {
	t.Parallel()

	var hits int

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store, err := cachestore.New(context.Background(), t.TempDir())
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "queue.db")
	db, err := queuedb.Open("sqlite:///"+dbPath, nil)
	require.NoError(t, err)
	defer db.Close()

	q, err := queue.New(db, &queue.Options{NCrawlers: 1, NCaches: 1})
	require.NoError(t, err)
	require.NoError(t, q.EnsureSchema(context.Background()))

	ctx := newContext()
	require.NoError(t, q.AddURIStr(ctx, ts.URL+"/a"))

	f := fetcher.New(store, nil)
	callbacks := processor.New(q, processor.Noop{})
	w := crawlcontext.New(crawlcontext.Identity{CrawlerID: 1}, f, q, callbacks)

	d := driver.New([]*crawlcontext.Context{w}, q, &driver.Options{EmptyQueueSleep: 10 * time.Millisecond})

	runCtx, cancel := context.WithCancel(ctx)

	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	require.Eventually(t, func() bool { return hits >= 1 }, time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("driver did not stop after cancellation")
	}
}
