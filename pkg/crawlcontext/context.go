// Package crawlcontext bundles the per-worker capability set of spec §4.8:
// crawler identity, a fetcher, a queue handle, and the processor callbacks
// bound to them. It is the Go equivalent of the source's CrawlContext
// lifecycle object, collapsed to a single-owner struct since Go has no
// separate create/destroy step.
package crawlcontext

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevali/crawl/pkg/fetcher"
	"github.com/nevali/crawl/pkg/object"
	"github.com/nevali/crawl/pkg/queue"
)

const otelPackageName = "github.com/nevali/crawl/pkg/crawlcontext"

// ErrNoWork is returned by Perform when the queue currently yields no
// eligible URI for this worker's crawl_bucket, matching spec §4.7's "the
// next-callback yields no URI" exit condition.
var ErrNoWork = errors.New("crawlcontext: no eligible URI")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Identity is one worker's position in the partitioning scheme of spec
// §4.4: its crawler bucket, cache bucket, and the partition widths both
// were computed against.
type Identity struct {
	CrawlerID    int
	CacheID      int
	CrawlerCount int
	CacheCount   int
}

// Context bundles one worker's fetcher, queue handle, and processor
// callbacks, per spec §4.8's "per-worker state" and §6's Library API
// surface (fetch/fetch_uri/locate/locate_uri/perform collapsed onto this
// type's methods).
type Context struct {
	Identity  Identity
	Fetcher   *fetcher.Fetcher
	Queue     *queue.Queue
	Callbacks fetcher.Callbacks
}

// New constructs a Context from its three capabilities. None may be nil.
func New(id Identity, f *fetcher.Fetcher, q *queue.Queue, callbacks fetcher.Callbacks) *Context {
	return &Context{Identity: id, Fetcher: f, Queue: q, Callbacks: callbacks}
}

// Fetch parses uristr and performs one fetch transaction, per spec §6's
// fetch(uri_str).
func (c *Context) Fetch(ctx context.Context, uristr string) (*object.Object, error) {
	uri, err := url.Parse(uristr)
	if err != nil {
		return nil, fmt.Errorf("crawlcontext: error parsing URI %q: %w", uristr, err)
	}

	return c.FetchURI(ctx, uri)
}

// FetchURI performs one fetch_uri transaction against uri, per spec §6.
func (c *Context) FetchURI(ctx context.Context, uri *url.URL) (*object.Object, error) {
	return c.Fetcher.Fetch(ctx, uri, c.Callbacks)
}

// Locate parses uristr and returns the cached Object for it without
// fetching, per spec §6's locate(uri_str).
func (c *Context) Locate(ctx context.Context, uristr string) (*object.Object, bool, error) {
	uri, err := url.Parse(uristr)
	if err != nil {
		return nil, false, fmt.Errorf("crawlcontext: error parsing URI %q: %w", uristr, err)
	}

	return c.LocateURI(ctx, uri)
}

// LocateURI returns the cached Object for uri without fetching, per spec
// §6's locate_uri(Uri).
func (c *Context) LocateURI(ctx context.Context, uri *url.URL) (*object.Object, bool, error) {
	return c.Fetcher.Locate(ctx, uri)
}

// Perform runs one iteration of the worker loop of spec §4.7: ask the
// queue for the next eligible URI bound to this worker's crawl_bucket,
// fetch it, and let the outcome flow through to Callbacks. It returns
// ErrNoWork when the queue has nothing eligible right now, which the
// driver treats as "sleep and retry" rather than a fatal error.
func (c *Context) Perform(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "crawlcontext.Perform", trace.WithAttributes(
		attribute.Int("crawler_id", c.Identity.CrawlerID),
	))
	defer span.End()

	uri, err := c.Queue.Next(ctx, c.Identity.CrawlerID)
	if err != nil {
		return fmt.Errorf("crawlcontext: error fetching next URI: %w", err)
	}

	if uri == nil {
		return ErrNoWork
	}

	log := zerolog.Ctx(ctx).With().Str("uri", uri.String()).Logger()

	if _, err := c.FetchURI(ctx, uri); err != nil {
		log.Warn().Err(err).Msg("crawlcontext: fetch failed")

		return fmt.Errorf("crawlcontext: error fetching %q: %w", uri.String(), err)
	}

	return nil
}
