package processor

import (
	"context"
	"net/url"

	"github.com/nevali/crawl/pkg/object"
)

// Noop is a Processor that discovers nothing and always succeeds. It
// stands in for the RDF/HTML extraction that spec.md §1 places out of
// scope.
type Noop struct{}

// Process implements Processor.
func (Noop) Process(context.Context, *object.Object, *url.URL, string) error { return nil }
