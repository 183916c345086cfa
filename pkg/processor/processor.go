// Package processor implements the format-dispatch stage of spec §4.6: a
// Processor inspects a freshly fetched Object and discovers outbound URIs,
// and Callbacks wires the fetcher's three outcome callbacks against a
// Processor and the queue.
package processor

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/nevali/crawl/pkg/object"
)

// defaultTTL is the ttl passed to queue.Updated on a successful commit, per
// spec §4.6's updated callback contract (ttl=3600).
const defaultTTL = 3600 * time.Second

// Processor inspects a committed Object and discovers outbound URIs,
// enqueuing each via Queue.AddURIStr. It must not mutate obj. Returning a
// non-nil error signals a fatal failure to the caller; a processor that
// merely fails to discover any links returns nil.
type Processor interface {
	Process(ctx context.Context, obj *object.Object, uri *url.URL, contentType string) error
}

// Queue is the subset of *queue.Queue that Callbacks needs. Defined here,
// rather than imported, to keep processor independent of the queue's
// storage stack; *queue.Queue satisfies it directly.
type Queue interface {
	AddURIStr(ctx context.Context, uristr string) error
	Updated(ctx context.Context, uristr string, updatedTS, lastModifiedTS int64, status int, ttl time.Duration) error
	Unchanged(ctx context.Context, uristr string, wasFailure bool) error
}

// Callbacks implements fetcher.Callbacks, binding the three crawler
// callbacks of spec §4.6 to a Queue and a Processor.
type Callbacks struct {
	queue     Queue
	processor Processor
}

// New constructs a Callbacks. proc may be nil, in which case Updated skips
// straight to recording the outcome (equivalent to a processor that always
// succeeds without discovering anything).
func New(q Queue, proc Processor) *Callbacks {
	return &Callbacks{queue: q, processor: proc}
}

// Updated fires after a committed response that is not a 5xx (2xx, 3xx or
// 4xx), including a checkpoint-rejected one, per spec §4.6. A 3xx redirect whose Location
// differs from the request URI is enqueued before the processor runs;
// process() is skipped entirely for a checkpoint-rejected object, per
// spec §4.5's "processor not invoked" rule.
func (c *Callbacks) Updated(ctx context.Context, obj *object.Object, prevTime int64) error {
	log := zerolog.Ctx(ctx)

	if obj.Status >= 300 && obj.Status < 400 {
		if target := obj.Redirect(); target != "" && target != obj.URIStr {
			if err := c.queue.AddURIStr(ctx, target); err != nil {
				log.Warn().Err(err).Str("uri", obj.URIStr).Str("target", target).
					Msg("processor: error enqueueing redirect target")
			}
		}
	}

	if !obj.Rejected && c.processor != nil {
		if err := c.processor.Process(ctx, obj, obj.URI, obj.Type()); err != nil {
			return fmt.Errorf("processor: error processing %q: %w", obj.URIStr, err)
		}
	}

	if err := c.queue.Updated(ctx, obj.URIStr, obj.Updated, obj.Updated, obj.Status, defaultTTL); err != nil {
		return fmt.Errorf("processor: error recording update for %q: %w", obj.URIStr, err)
	}

	return nil
}

// Unchanged fires on 304, per spec §4.6.
func (c *Callbacks) Unchanged(ctx context.Context, obj *object.Object, _ int64) error {
	if err := c.queue.Unchanged(ctx, obj.URIStr, false); err != nil {
		return fmt.Errorf("processor: error recording unchanged for %q: %w", obj.URIStr, err)
	}

	return nil
}

// Failed fires on a transport or body-read failure and on any 5xx response,
// per spec §4.6.
func (c *Callbacks) Failed(ctx context.Context, obj *object.Object, _ int64) error {
	if err := c.queue.Unchanged(ctx, obj.URIStr, true); err != nil {
		return fmt.Errorf("processor: error recording failure for %q: %w", obj.URIStr, err)
	}

	return nil
}
