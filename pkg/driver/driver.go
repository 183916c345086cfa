// Package driver implements the worker pool of spec §4.7: N parallel
// workers, each bound to one crawler instance id, repeatedly performing
// the fetch/discover/record loop until cancelled.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nevali/crawl/pkg/crawlcontext"
	"github.com/nevali/crawl/pkg/queue"
)

// defaultEmptyQueueSleep is how long a worker waits between empty passes,
// per spec §4.7: "the daemon wrapper sleeps briefly (≈1 s)".
const defaultEmptyQueueSleep = time.Second

// Options configures a Driver.
type Options struct {
	// EmptyQueueSleep overrides the pause between empty Perform passes.
	// Defaults to one second.
	EmptyQueueSleep time.Duration

	// ReapSchedule, if set, schedules a periodic ReapStale call via cron
	// (standard 5-field spec, e.g. "*/5 * * * *") against StaleAfter.
	ReapSchedule string

	// StaleAfter is the in-flight age ReapStale reclaims. Required if
	// ReapSchedule is set.
	StaleAfter time.Duration
}

// Driver runs a fixed set of crawlcontext.Context workers to completion or
// cancellation.
type Driver struct {
	workers []*crawlcontext.Context
	queue   *queue.Queue
	sleep   time.Duration
	reap    string
	stale   time.Duration
}

// New constructs a Driver over workers, one goroutine per entry. q is used
// for the optional periodic stale-reclaim job; it may be nil to disable it
// even when opts.ReapSchedule is set.
func New(workers []*crawlcontext.Context, q *queue.Queue, opts *Options) *Driver {
	d := &Driver{workers: workers, queue: q, sleep: defaultEmptyQueueSleep}

	if opts != nil {
		if opts.EmptyQueueSleep > 0 {
			d.sleep = opts.EmptyQueueSleep
		}

		d.reap = opts.ReapSchedule
		d.stale = opts.StaleAfter
	}

	return d
}

// Run launches every worker and the optional reaper, blocking until ctx is
// cancelled or a worker returns a fatal (non-ErrNoWork) error, per spec
// §5's cooperative cancellation model.
func (d *Driver) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var c *cron.Cron

	if d.reap != "" && d.queue != nil {
		var err error

		c, err = d.scheduleReaper(ctx)
		if err != nil {
			return err
		}

		c.Start()

		defer c.Stop()
	}

	for i, w := range d.workers {
		id := i

		g.Go(func() error {
			return d.runWorker(ctx, id, w)
		})
	}

	return g.Wait()
}

func (d *Driver) scheduleReaper(ctx context.Context) (*cron.Cron, error) {
	log := zerolog.Ctx(ctx)

	c := cron.New()

	_, err := c.AddFunc(d.reap, func() {
		n, err := d.queue.ReapStale(ctx, d.stale)
		if err != nil {
			log.Warn().Err(err).Msg("driver: error reaping stale resources")

			return
		}

		if n > 0 {
			log.Info().Int64("reaped", n).Msg("driver: reaped stale in-flight resources")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("driver: error parsing reap schedule %q: %w", d.reap, err)
	}

	return c, nil
}

// runWorker implements spec §4.7's perform() loop for one worker: ask for
// the next URI, fetch it, repeat; sleep briefly on an empty queue; exit on
// ctx cancellation or a fatal error.
func (d *Driver) runWorker(ctx context.Context, id int, w *crawlcontext.Context) error {
	log := zerolog.Ctx(ctx).With().Int("worker", id).Int("crawler_id", w.Identity.CrawlerID).Logger()
	ctx = log.WithContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := w.Perform(ctx)

		switch {
		case err == nil:
			continue
		case errors.Is(err, crawlcontext.ErrNoWork):
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.sleep):
				continue
			}
		default:
			log.Error().Err(err).Msg("driver: fatal worker error")

			return err
		}
	}
}
