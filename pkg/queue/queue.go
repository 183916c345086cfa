// Package queue implements the persistent, shared work list of spec §4.4:
// a relational store sharded by hash into crawl_bucket/cache_bucket
// partitions, with per-root rate limiting and per-resource exponential
// backoff, guarded by deadlock-retry transactions.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevali/crawl/pkg/cachekey"
	"github.com/nevali/crawl/pkg/lock"
	"github.com/nevali/crawl/pkg/queuedb"
)

const otelPackageName = "github.com/nevali/crawl/pkg/queue"

// Floor TTLs from spec §4.4: next_fetch backoff is never shorter than
// these, regardless of the caller-supplied ttl.
const (
	floorTTL2xx    = 3600 * time.Second
	floorTTLOther  = 86400 * time.Second
	defaultRootGap = 2 * time.Second
)

// ErrResourceNotFound is returned when an operation references a URI with
// no corresponding crawl_resource row.
var ErrResourceNotFound = errors.New("queue: resource not found")

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// TxResult is the outcome a transaction callback reports to withTx: one of
// {commit, rollback-retry, rollback-success, abort}, per spec §9's
// deadlock-retry design note.
type TxResult int

// Transaction outcomes recognised by withTx.
const (
	// TxCommit commits the transaction; the overall call succeeds.
	TxCommit TxResult = iota
	// TxRollbackRetry rolls back and retries the whole transaction, subject
	// to the retry bound; used only internally by deadlock detection.
	TxRollbackRetry
	// TxRollbackSuccess rolls back but reports success to the caller (no
	// mutation was needed, e.g. a duplicate add).
	TxRollbackSuccess
	// TxAbort rolls back and surfaces the callback's error immediately,
	// without retrying.
	TxAbort
)

// Options configures a Queue. Pass nil for opts to use default values.
type Options struct {
	// NCrawlers is the number of crawler instances the queue is sharded
	// across. Required, must be positive.
	NCrawlers int

	// NCaches is the number of cache instances the queue is sharded across.
	// Required, must be positive.
	NCaches int

	// Retry controls the deadlock-retry backoff. Defaults to
	// lock.DefaultRetryConfig with MaxAttempts 10 if unset.
	Retry lock.RetryConfig

	// DefaultRootInterval is the minimum gap enforced between fetches
	// anchored to the same root when the root has no explicit rate_ms.
	// Defaults to 2 seconds.
	DefaultRootInterval time.Duration

	// Now, if set, replaces time.Now; intended for tests.
	Now func() time.Time
}

// Queue is the persistent, shared, bucket-sharded work list.
type Queue struct {
	db *bun.DB

	nCrawlers   int
	nCaches     int
	retry       lock.RetryConfig
	rootGap     time.Duration
	now         func() time.Time
	maxAttempts int
}

// New wraps db as a Queue. db's dialect determines the SQL emitted for
// schema creation and upserts.
func New(db *bun.DB, opts *Options) (*Queue, error) {
	q := &Queue{
		db:          db,
		rootGap:     defaultRootGap,
		now:         time.Now,
		maxAttempts: 10,
		retry: lock.RetryConfig{
			MaxAttempts:  10,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}

	if opts != nil {
		q.nCrawlers = opts.NCrawlers
		q.nCaches = opts.NCaches

		if opts.Retry.MaxAttempts > 0 {
			q.retry = opts.Retry
			q.maxAttempts = opts.Retry.MaxAttempts
		}

		if opts.DefaultRootInterval > 0 {
			q.rootGap = opts.DefaultRootInterval
		}

		if opts.Now != nil {
			q.now = opts.Now
		}
	}

	if q.nCrawlers <= 0 || q.nCaches <= 0 {
		return nil, fmt.Errorf("queue: NCrawlers and NCaches must be positive, got %d and %d", q.nCrawlers, q.nCaches)
	}

	return q, nil
}

// EnsureSchema creates the crawl_root and crawl_resource tables if they do
// not already exist. The migration mechanism proper is out of scope (spec
// §1); this is the "final schema" the spec names.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	if _, err := q.db.NewCreateTable().Model((*CrawlRoot)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("queue: error creating crawl_root: %w", err)
	}

	if _, err := q.db.NewCreateTable().
		Model((*CrawlResource)(nil)).
		IfNotExists().
		ForeignKey(`("root") REFERENCES "crawl_root" ("hash")`).
		Exec(ctx); err != nil {
		return fmt.Errorf("queue: error creating crawl_resource: %w", err)
	}

	return nil
}

// withTx runs fn inside a transaction, retrying on deadlock up to the
// configured bound with exponential backoff and jitter, per spec §9.
func (q *Queue) withTx(ctx context.Context, fn func(ctx context.Context, tx bun.Tx) (TxResult, error)) error {
	var lastErr error

	for attempt := 0; attempt <= q.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := lock.CalculateBackoff(q.retry, attempt)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		result, err := q.runOnce(ctx, fn)

		switch result {
		case TxCommit, TxRollbackSuccess:
			return nil
		case TxAbort:
			return err
		case TxRollbackRetry:
			lastErr = err

			continue
		}
	}

	return fmt.Errorf("queue: exceeded %d retry attempts: %w", q.maxAttempts, lastErr)
}

func (q *Queue) runOnce(
	ctx context.Context,
	fn func(ctx context.Context, tx bun.Tx) (TxResult, error),
) (TxResult, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		if queuedb.IsDeadlockError(err) {
			return TxRollbackRetry, err
		}

		return TxAbort, fmt.Errorf("queue: error beginning transaction: %w", err)
	}

	result, fnErr := fn(ctx, tx)

	switch result {
	case TxCommit:
		if err := tx.Commit(); err != nil {
			_ = tx.Rollback()

			if queuedb.IsDeadlockError(err) {
				return TxRollbackRetry, err
			}

			return TxAbort, fmt.Errorf("queue: error committing transaction: %w", err)
		}

		return TxCommit, nil
	case TxRollbackSuccess:
		_ = tx.Rollback()

		return TxRollbackSuccess, nil
	case TxRollbackRetry:
		_ = tx.Rollback()

		if fnErr != nil && !queuedb.IsDeadlockError(fnErr) {
			return TxAbort, fnErr
		}

		return TxRollbackRetry, fnErr
	case TxAbort:
		_ = tx.Rollback()

		return TxAbort, fnErr
	default:
		_ = tx.Rollback()

		return TxAbort, fmt.Errorf("queue: unknown transaction result %d", result)
	}
}

// rootURIFor returns the scheme+authority root URI of u: its path replaced
// by "/", per spec §3 invariant 1.
func rootURIFor(u *url.URL) string {
	root := *u
	root.Path = "/"
	root.RawPath = ""
	root.RawQuery = ""
	root.Fragment = ""

	return root.String()
}

// floorTTL applies the status-dependent minimum backoff of spec §4.4: 3600s
// for 2xx and 304 (a 304 is a successful revalidation, not an error),
// 86400s otherwise. The caller-supplied ttl is honoured as-is when it
// already meets the floor (Open Question resolution: never cross-checked
// against Cache-Control, just floored).
func floorTTL(status int, ttl time.Duration) time.Duration {
	floor := floorTTLOther
	if (status >= 200 && status < 300) || status == 304 {
		floor = floorTTL2xx
	}

	if ttl < floor {
		return floor
	}

	return ttl
}

func clampCounters(prevErr, prevSoft int, status int) (errorCount, softErrorCount int) {
	switch {
	case status >= 400 && status < 500:
		return prevErr + 1, 0
	case status >= 500 && status < 600:
		return 0, prevSoft + 1
	default:
		return 0, 0
	}
}

func logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
