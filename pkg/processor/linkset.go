package processor

import (
	"context"
	"net/url"
	"sync"

	"github.com/nevali/crawl/pkg/object"
)

// Linkset is a test-double Processor standing in for a real extractor
// (RDF, HTML) — out of scope per spec.md §1. It enqueues a fixed set of
// discovered URIs whenever it sees a given request URI, and records every
// object it was invoked with, so processor tests can assert on dispatch
// without a real parser.
type Linkset struct {
	mu sync.Mutex

	// Links maps a request URI string to the outbound URIs that URI
	// should be treated as discovering.
	Links map[string][]string

	queue Queue
	seen  []Seen
}

// Seen records one Process invocation, for test assertions.
type Seen struct {
	URI         string
	ContentType string
}

// NewLinkset constructs a Linkset that enqueues discovered links via q.
func NewLinkset(q Queue, links map[string][]string) *Linkset {
	return &Linkset{queue: q, Links: links}
}

// Process implements Processor.
func (l *Linkset) Process(ctx context.Context, _ *object.Object, uri *url.URL, contentType string) error {
	l.mu.Lock()
	l.seen = append(l.seen, Seen{URI: uri.String(), ContentType: contentType})
	l.mu.Unlock()

	for _, target := range l.Links[uri.String()] {
		if err := l.queue.AddURIStr(ctx, target); err != nil {
			return err
		}
	}

	return nil
}

// Invocations returns every invocation recorded so far, in order.
func (l *Linkset) Invocations() []Seen {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Seen, len(l.seen))
	copy(out, l.seen)

	return out
}
