package processor_test

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevali/crawl/pkg/object"
	"github.com/nevali/crawl/pkg/processor"
)

type fakeQueue struct {
	added     []string
	updated   []string
	unchanged []struct {
		uri     string
		failure bool
	}
}

func (q *fakeQueue) AddURIStr(_ context.Context, uristr string) error {
	q.added = append(q.added, uristr)

	return nil
}

func (q *fakeQueue) Updated(_ context.Context, uristr string, _, _ int64, _ int, _ time.Duration) error {
	q.updated = append(q.updated, uristr)

	return nil
}

func (q *fakeQueue) Unchanged(_ context.Context, uristr string, wasFailure bool) error {
	q.unchanged = append(q.unchanged, struct {
		uri     string
		failure bool
	}{uristr, wasFailure})

	return nil
}

func newObj(t *testing.T, uristr string, status int, redirect string) *object.Object {
	t.Helper()

	u, err := url.Parse(uristr)
	require.NoError(t, err)

	obj := object.New("key", u, "")
	obj.Replace(object.Metadata{Status: status, Updated: 1000, Redirect: redirect})

	return obj
}

func TestCallbacks_Updated_EnqueuesRedirectAndInvokesProcessor(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	proc := processor.NewLinkset(q, map[string][]string{
		"http://example.com/a": {"http://example.com/b", "http://example.com/c"},
	})

	cb := processor.New(q, proc)
	obj := newObj(t, "http://example.com/a", http.StatusMovedPermanently, "http://example.com/moved")

	err := cb.Updated(context.Background(), obj, 0)
	require.NoError(t, err)

	assert.Contains(t, q.added, "http://example.com/moved")
	assert.Contains(t, q.added, "http://example.com/b")
	assert.Contains(t, q.added, "http://example.com/c")
	assert.Equal(t, []string{"http://example.com/a"}, q.updated)

	invocations := proc.Invocations()
	require.Len(t, invocations, 1)
	assert.Equal(t, "http://example.com/a", invocations[0].URI)
}

func TestCallbacks_Updated_SkipsProcessorWhenRejected(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	proc := processor.NewLinkset(q, nil)
	cb := processor.New(q, proc)

	obj := newObj(t, "http://example.com/a", http.StatusNotAcceptable, "")
	obj.Rejected = true

	err := cb.Updated(context.Background(), obj, 0)
	require.NoError(t, err)

	assert.Empty(t, proc.Invocations())
	assert.Equal(t, []string{"http://example.com/a"}, q.updated)
}

func TestCallbacks_Updated_SameLocationNotEnqueued(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	cb := processor.New(q, processor.Noop{})

	obj := newObj(t, "http://example.com/a", http.StatusFound, "http://example.com/a")

	err := cb.Updated(context.Background(), obj, 0)
	require.NoError(t, err)

	assert.Empty(t, q.added)
}

func TestCallbacks_Unchanged(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	cb := processor.New(q, processor.Noop{})

	obj := newObj(t, "http://example.com/a", http.StatusNotModified, "")

	err := cb.Unchanged(context.Background(), obj, 1000)
	require.NoError(t, err)

	require.Len(t, q.unchanged, 1)
	assert.False(t, q.unchanged[0].failure)
}

func TestCallbacks_Failed(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	cb := processor.New(q, processor.Noop{})

	obj := newObj(t, "http://example.com/a", http.StatusInternalServerError, "")

	err := cb.Failed(context.Background(), obj, 1000)
	require.NoError(t, err)

	require.Len(t, q.unchanged, 1)
	assert.True(t, q.unchanged[0].failure)
}
