// Package fetcher implements the single-HTTP-transaction pipeline of spec
// §4.3: a policy gate, a conditional HTTP request against the cache's
// freshness state, a cache write transaction, a checkpoint gate, and
// exactly one outcome callback.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevali/crawl/pkg/cachekey"
	"github.com/nevali/crawl/pkg/cachestore"
	"github.com/nevali/crawl/pkg/lock"
	"github.com/nevali/crawl/pkg/object"
	"github.com/nevali/crawl/pkg/policy"
)

const (
	otelPackageName = "github.com/nevali/crawl/pkg/fetcher"

	defaultHTTPTimeout = 30 * time.Second
	defaultAccept      = "*/*"
	defaultLockTTL     = 5 * time.Minute

	statusLineKey = object.StatusLineKey
)

var (
	// ErrNoLocation describes a 3xx response that carries no Location
	// header. Fetch does not return it: such a response is committed per the
	// decision table with an empty Redirect.
	ErrNoLocation = errors.New("fetcher: redirect response without Location header")

	//nolint:gochecknoglobals
	tracer trace.Tracer
)

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Callbacks are the three crawler callbacks of spec §4.6, bound to a
// processor and the queue. Exactly one fires per HTTP request Fetch makes;
// none fires when the URI policy gate rejects the request, when cache_min
// serves the cached entry, or when Fetch returns a lock or cache-store error.
type Callbacks interface {
	// Updated fires after a committed response that is not a 5xx (2xx, 3xx
	// or 4xx), including a checkpoint-rejected one. prevTime is the
	// previously cached Updated time, or zero if there was none.
	Updated(ctx context.Context, obj *object.Object, prevTime int64) error

	// Unchanged fires on 304.
	Unchanged(ctx context.Context, obj *object.Object, prevTime int64) error

	// Failed fires on a transport or body-read failure, and on any 5xx:
	// rolled back when a prior cache entry exists, committed otherwise.
	Failed(ctx context.Context, obj *object.Object, prevTime int64) error
}

// Options configures a Fetcher. Pass nil to use default values.
type Options struct {
	// Accept is the Accept header sent with every request. Defaults to "*/*".
	Accept string

	// UserAgent is the User-Agent header sent with every request.
	UserAgent string

	// CacheMin is the minimum age below which a cached entry is returned
	// without any HTTP request (spec §4.3 step 3).
	CacheMin time.Duration

	// HTTPTimeout bounds one request end-to-end. Defaults to 30s.
	HTTPTimeout time.Duration

	// URIPolicy and Checkpoint are the two gates of spec §4.5. Either may be nil.
	URIPolicy  *policy.URIPolicy
	Checkpoint *policy.CheckpointPolicy

	// Locker provides the single-flight-per-key guard described in spec
	// §5; the queue's bucket partitioning is the primary defence, this is
	// belt-and-braces for a misconfigured partition count.
	Locker lock.Locker

	// Now, if set, replaces time.Now; intended for tests.
	Now func() time.Time
}

// Fetcher performs one fetch_uri transaction at a time against a cache store.
type Fetcher struct {
	client     *http.Client
	store      *cachestore.Store
	accept     string
	userAgent  string
	cacheMin   time.Duration
	uriPolicy  *policy.URIPolicy
	checkpoint *policy.CheckpointPolicy
	locker     lock.Locker
	now        func() time.Time
}

// New constructs a Fetcher writing into store.
func New(store *cachestore.Store, opts *Options) *Fetcher {
	f := &Fetcher{
		store:  store,
		accept: defaultAccept,
		now:    time.Now,
	}

	timeout := defaultHTTPTimeout

	if opts != nil {
		if opts.Accept != "" {
			f.accept = opts.Accept
		}

		f.userAgent = opts.UserAgent
		f.cacheMin = opts.CacheMin
		f.uriPolicy = opts.URIPolicy
		f.checkpoint = opts.Checkpoint
		f.locker = opts.Locker

		if opts.HTTPTimeout > 0 {
			timeout = opts.HTTPTimeout
		}

		if opts.Now != nil {
			f.now = opts.Now
		}
	}

	f.client = &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			// Redirects are recorded as metadata, not followed: spec §4.3
			// commits 3xx responses with their Location, and the processor
			// enqueues the target via queue.add_uristr.
			return http.ErrUseLastResponse
		},
	}

	return f
}

// Fetch performs the algorithm of spec §4.3 for uri, invoking exactly one of
// callbacks.Updated/Unchanged/Failed when it makes an HTTP request. It
// returns the resulting Object. If the URI policy gate rejects the request
// (spec §7's Policy-skip), or cache_min applies, no request is made and no
// callback fires: Fetch returns the cached Object, or nil with no error if
// nothing is cached.
func (f *Fetcher) Fetch(ctx context.Context, uri *url.URL, callbacks Callbacks) (*object.Object, error) {
	attemptID := uuid.New()

	ctx, span := tracer.Start(ctx, "fetcher.Fetch", trace.WithAttributes(
		attribute.String("uri", uri.String()),
		attribute.String("attempt_id", attemptID.String()),
	))
	defer span.End()

	log := zerolog.Ctx(ctx).With().Str("attempt_id", attemptID.String()).Str("uri", uri.String()).Logger()
	ctx = log.WithContext(ctx)

	key := cachekey.Derive(uri.String())
	obj := object.New(key, uri, f.store.PayloadPath(key))

	if !f.uriPolicy.Allow(ctx, uri, uri.String()) {
		existing, ok, err := f.store.Stat(ctx, key)
		if err != nil {
			return nil, err
		}

		if ok {
			obj.Replace(existing)

			return obj, nil
		}

		return nil, nil //nolint:nilnil
	}

	if f.locker != nil {
		if err := f.locker.Lock(ctx, "fetcher:"+key, defaultLockTTL); err != nil {
			return nil, fmt.Errorf("fetcher: error acquiring lock for %q: %w", key, err)
		}

		defer func() {
			if err := f.locker.Unlock(ctx, "fetcher:"+key); err != nil {
				log.Warn().Err(err).Msg("fetcher: error releasing lock")
			}
		}()
	}

	var prevTime int64

	existing, ok, err := f.store.Stat(ctx, key)
	if err != nil {
		return nil, err
	}

	if ok {
		prevTime = existing.Updated
		obj.Replace(existing)

		if f.cacheMin > 0 && f.now().Unix()-prevTime < int64(f.cacheMin/time.Second) {
			// cache_min short-circuits before any HTTP request: no new bytes
			// were produced, so this is not a fresh fetch (spec glossary).
			return obj, nil
		}
	}

	return f.performFetch(ctx, obj, prevTime, callbacks)
}

// Locate returns the cached Object for uri without performing any HTTP
// request, per spec §6's locate/locate_uri. ok is false if nothing is
// cached for uri yet.
func (f *Fetcher) Locate(ctx context.Context, uri *url.URL) (obj *object.Object, ok bool, err error) {
	key := cachekey.Derive(uri.String())

	meta, ok, err := f.store.Stat(ctx, key)
	if err != nil {
		return nil, false, err
	}

	if !ok {
		return nil, false, nil
	}

	o := object.New(key, uri, f.store.PayloadPath(key))
	o.Replace(meta)

	return o, true, nil
}

func (f *Fetcher) buildRequest(ctx context.Context, uri *url.URL, cachetime int64) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("fetcher: error building request for %q: %w", uri.String(), err)
	}

	req.Header.Set("Accept", f.accept)

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	if cachetime > 0 {
		req.Header.Set("If-Modified-Since", time.Unix(cachetime, 0).UTC().Format(http.TimeFormat))
	}

	return req, nil
}

func (f *Fetcher) performFetch(
	ctx context.Context,
	obj *object.Object,
	prevTime int64,
	callbacks Callbacks,
) (*object.Object, error) {
	log := zerolog.Ctx(ctx)

	req, err := f.buildRequest(ctx, obj.URI, prevTime)
	if err != nil {
		return nil, err
	}

	infoW, err := f.store.OpenInfoWrite(ctx, obj.Key)
	if err != nil {
		return nil, err
	}

	payloadW, err := f.store.OpenPayloadWrite(ctx, obj.Key)
	if err != nil {
		_ = infoW.Rollback()

		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		_ = infoW.Rollback()
		_ = payloadW.Rollback()

		log.Warn().Err(err).Msg("fetcher: transport failure")

		// A transport failure is local to this one fetch (spec §7): once
		// Failed has been told, the attempt is handled, not fatal.
		if cbErr := callbacks.Failed(ctx, obj, prevTime); cbErr != nil {
			return nil, cbErr
		}

		return obj, nil
	}
	defer resp.Body.Close()

	size, err := io.Copy(payloadW, resp.Body)
	if err != nil {
		_ = infoW.Rollback()
		_ = payloadW.Rollback()

		log.Warn().Err(err).Msg("fetcher: error reading response body")

		if cbErr := callbacks.Failed(ctx, obj, prevTime); cbErr != nil {
			return nil, cbErr
		}

		return obj, nil
	}

	return f.decide(ctx, obj, prevTime, resp, size, infoW, payloadW, callbacks)
}

func (f *Fetcher) decide(
	ctx context.Context,
	obj *object.Object,
	prevTime int64,
	resp *http.Response,
	size int64,
	infoW, payloadW *cachestore.WriteHandle,
	callbacks Callbacks,
) (*object.Object, error) {
	status := resp.StatusCode
	now := f.now().Unix()

	switch {
	case status == http.StatusNotModified:
		_ = infoW.Rollback()
		_ = payloadW.Rollback()

		return obj, callbacks.Unchanged(ctx, obj, prevTime)

	case status >= 500 && status < 600 && prevTime > 0:
		_ = infoW.Rollback()
		_ = payloadW.Rollback()

		return obj, callbacks.Failed(ctx, obj, prevTime)
	}

	meta := object.Metadata{
		Status:  status,
		Updated: now,
		Size:    uint64(size), //nolint:gosec
		Type:    resp.Header.Get("Content-Type"),
		Headers: captureHeaders(resp),
	}

	if status >= 300 && status < 400 {
		meta.Redirect = resp.Header.Get("Location")
	}

	rejected := f.checkpoint.Evaluate(ctx, withMeta(obj, meta), &meta.Status)

	body, err := meta.Marshal()
	if err != nil {
		_ = infoW.Rollback()
		_ = payloadW.Rollback()

		return nil, fmt.Errorf("fetcher: error marshalling metadata for %q: %w", obj.URIStr, err)
	}

	if _, err := infoW.Write(body); err != nil {
		_ = infoW.Rollback()
		_ = payloadW.Rollback()

		return nil, fmt.Errorf("fetcher: error writing metadata for %q: %w", obj.URIStr, err)
	}

	if err := infoW.Commit(); err != nil {
		_ = payloadW.Rollback()

		return nil, err
	}

	if err := payloadW.Commit(); err != nil {
		return nil, err
	}

	obj.Replace(meta)
	obj.Rejected = rejected
	obj.Fresh = true

	if status >= 500 && status < 600 {
		return obj, callbacks.Failed(ctx, obj, prevTime)
	}

	return obj, callbacks.Updated(ctx, obj, prevTime)
}

// withMeta returns a shallow copy of obj carrying meta, used only to give
// the checkpoint policy the candidate content type before the real commit.
func withMeta(obj *object.Object, meta object.Metadata) *object.Object {
	clone := *obj
	clone.Replace(meta)

	return &clone
}

// captureHeaders builds the spec §4.1 headers dictionary from an
// *http.Response: the status line under the reserved key ":", and every
// other header as a name → array-of-values entry, matching
// original_source/fetch.c's crawl_generate_info_ field-by-field without its
// manual line-splitting, since net/http has already parsed the block.
func captureHeaders(resp *http.Response) map[string][]string {
	headers := make(map[string][]string, len(resp.Header)+1)
	headers[statusLineKey] = []string{fmt.Sprintf("HTTP/%d.%d %s", resp.ProtoMajor, resp.ProtoMinor, resp.Status)}

	for name, values := range resp.Header {
		vv := make([]string, len(values))
		copy(vv, values)
		headers[name] = vv
	}

	return headers
}
