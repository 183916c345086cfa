package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevali/crawl/pkg/cachekey"
	"github.com/nevali/crawl/pkg/queuedb"
)

// AddURI ensures u and its root are present in the queue, per spec §4.4's
// add_uristr/add_uri. It is equivalent to AddURIStr(u.String()).
func (q *Queue) AddURI(ctx context.Context, u *url.URL) error {
	return q.AddURIStr(ctx, u.String())
}

// AddURIStr ensures the URI and its root are present, per spec §4.4 and
// §4.4's invariant 7 (idempotent with respect to (uri), re-adds only
// refresh bucket assignments). Canonicalisation is parse-then-reserialise,
// which also strips any fragment.
func (q *Queue) AddURIStr(ctx context.Context, uristr string) error {
	u, err := url.Parse(uristr)
	if err != nil {
		return fmt.Errorf("queue: error parsing URI %q: %w", uristr, err)
	}

	u.Fragment = ""
	canonical := u.String()

	key := cachekey.Derive(canonical)
	rootURI := rootURIFor(u)
	rootKey := cachekey.Derive(rootURI)

	short, err := cachekey.ShortKey(key)
	if err != nil {
		return fmt.Errorf("queue: error deriving short key for %q: %w", canonical, err)
	}

	crawlBucket := cachekey.Bucket(short, q.nCrawlers)
	cacheBucket := cachekey.Bucket(short, q.nCaches)

	_, span := tracer.Start(ctx, "queue.AddURIStr", trace.WithAttributes(
		attribute.String("uri", canonical),
		attribute.String("cache_key", key),
	))
	defer span.End()

	now := q.now().Unix()

	return q.withTx(ctx, func(ctx context.Context, tx bun.Tx) (TxResult, error) {
		root := &CrawlRoot{
			Hash:           rootKey,
			URI:            rootURI,
			Added:          now,
			EarliestUpdate: 0,
			RateMS:         int64(q.rootGap / time.Millisecond),
		}

		if _, err := tx.NewInsert().Model(root).
			On("CONFLICT (hash) DO NOTHING").
			Exec(ctx); err != nil {
			if queuedb.IsDeadlockError(err) {
				return TxRollbackRetry, err
			}

			return TxAbort, fmt.Errorf("queue: error inserting root %q: %w", rootURI, err)
		}

		resource := &CrawlResource{
			Hash:        key,
			ShortHash:   short,
			CrawlBucket: crawlBucket,
			CacheBucket: cacheBucket,
			Root:        rootKey,
			Added:       now,
			URI:         canonical,
			NextFetch:   now,
		}

		res, err := tx.NewInsert().Model(resource).
			On("CONFLICT (hash) DO UPDATE").
			Set("crawl_bucket = EXCLUDED.crawl_bucket").
			Set("cache_bucket = EXCLUDED.cache_bucket").
			Exec(ctx)
		if err != nil {
			if queuedb.IsDeadlockError(err) {
				return TxRollbackRetry, err
			}

			return TxAbort, fmt.Errorf("queue: error upserting resource %q: %w", canonical, err)
		}

		if n, _ := res.RowsAffected(); n == 0 {
			return TxRollbackSuccess, nil
		}

		return TxCommit, nil
	})
}

// Next returns the highest-priority eligible URI for crawlerID, or nil if
// the queue currently holds nothing this crawler may fetch. Selection and
// the in-flight marker update happen in one transaction, per spec §4.4's
// scheduling rule: crawl_bucket = crawlerID AND root.earliest_update < now
// AND resource.next_fetch < now, ordered by root.earliest_update then
// resource.next_fetch.
func (q *Queue) Next(ctx context.Context, crawlerID int) (*url.URL, error) {
	_, span := tracer.Start(ctx, "queue.Next", trace.WithAttributes(
		attribute.Int("crawler_id", crawlerID),
	))
	defer span.End()

	var result *url.URL

	err := q.withTx(ctx, func(ctx context.Context, tx bun.Tx) (TxResult, error) {
		now := q.now().Unix()

		var res CrawlResource

		err := tx.NewSelect().
			Model(&res).
			Join("JOIN crawl_root AS root ON root.hash = res.root").
			Where("res.crawl_bucket = ?", crawlerID).
			Where("root.earliest_update < ?", now).
			Where("res.next_fetch < ?", now).
			OrderExpr("root.earliest_update ASC, res.next_fetch ASC").
			Limit(1).
			Scan(ctx)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			logger(ctx).Debug().Int("crawler_id", crawlerID).Msg("queue: no eligible resource")

			result = nil

			return TxRollbackSuccess, nil
		case err != nil:
			if queuedb.IsDeadlockError(err) {
				return TxRollbackRetry, err
			}

			return TxAbort, fmt.Errorf("queue: error selecting next resource: %w", err)
		}

		instance := crawlerID

		if _, err := tx.NewUpdate().
			Model(&res).
			Set("crawl_instance = ?", instance).
			Where("hash = ?", res.Hash).
			Exec(ctx); err != nil {
			if queuedb.IsDeadlockError(err) {
				return TxRollbackRetry, err
			}

			return TxAbort, fmt.Errorf("queue: error marking resource %q in-flight: %w", res.Hash, err)
		}

		u, err := url.Parse(res.URI)
		if err != nil {
			return TxAbort, fmt.Errorf("queue: error parsing stored URI %q: %w", res.URI, err)
		}

		result = u

		return TxCommit, nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Updated records a fetch outcome that produced a commit (2xx, 3xx, 4xx, or
// content-rejected), per spec §4.4's updated operation and §4.6's
// updated(obj, prevtime) callback contract. ttl is honoured as given and
// then floored per status (Open Question resolution).
func (q *Queue) Updated(ctx context.Context, uristr string, updatedTS, lastModifiedTS int64, status int, ttl time.Duration) error {
	key := cachekey.Derive(uristr)

	_, span := tracer.Start(ctx, "queue.Updated", trace.WithAttributes(
		attribute.String("uri", uristr),
		attribute.Int("status", status),
	))
	defer span.End()

	flooredTTL := floorTTL(status, ttl)
	nextFetch := updatedTS + int64(flooredTTL/time.Second)

	return q.withTx(ctx, func(ctx context.Context, tx bun.Tx) (TxResult, error) {
		return q.recordOutcome(ctx, tx, key, status, updatedTS, lastModifiedTS, nextFetch, flooredTTL)
	})
}

// Unchanged records an outcome that carries no response times, per spec
// §4.4's unchanged operation: a 304 revalidation (wasFailure=false), or
// whatever the Failed callback reports (wasFailure=true): a transport or
// body-read failure, or a 5xx response, whether it was rolled back over a
// prior cache entry or committed because there was none. wasFailure selects
// the failure floor (86400s) rather than the 2xx floor (3600s) used for a
// genuine 304.
func (q *Queue) Unchanged(ctx context.Context, uristr string, wasFailure bool) error {
	key := cachekey.Derive(uristr)

	_, span := tracer.Start(ctx, "queue.Unchanged", trace.WithAttributes(
		attribute.String("uri", uristr),
		attribute.Bool("was_failure", wasFailure),
	))
	defer span.End()

	status := 304
	if wasFailure {
		status = 599
	}

	now := q.now().Unix()
	flooredTTL := floorTTL(status, 0)
	nextFetch := now + int64(flooredTTL/time.Second)

	return q.withTx(ctx, func(ctx context.Context, tx bun.Tx) (TxResult, error) {
		return q.recordOutcome(ctx, tx, key, status, now, 0, nextFetch, flooredTTL)
	})
}

func (q *Queue) recordOutcome(
	ctx context.Context,
	tx bun.Tx,
	key string,
	status int,
	updatedTS, lastModifiedTS, nextFetch int64,
	ttl time.Duration,
) (TxResult, error) {
	var res CrawlResource

	if err := tx.NewSelect().Model(&res).Where("hash = ?", key).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TxAbort, fmt.Errorf("%w: %q", ErrResourceNotFound, key)
		}

		if queuedb.IsDeadlockError(err) {
			return TxRollbackRetry, err
		}

		return TxAbort, fmt.Errorf("queue: error loading resource %q: %w", key, err)
	}

	errorCount, softErrorCount := clampCounters(res.ErrorCount, res.SoftErrorCount, status)

	if _, err := tx.NewUpdate().Model(&res).
		Set("updated = ?", updatedTS).
		Set("last_modified = ?", lastModifiedTS).
		Set("status = ?", status).
		Set("next_fetch = ?", nextFetch).
		Set("error_count = ?", errorCount).
		Set("soft_error_count = ?", softErrorCount).
		Set("last_ttl = ?", int64(ttl/time.Second)).
		Set("crawl_instance = NULL").
		Where("hash = ?", key).
		Exec(ctx); err != nil {
		if queuedb.IsDeadlockError(err) {
			return TxRollbackRetry, err
		}

		return TxAbort, fmt.Errorf("queue: error updating resource %q: %w", key, err)
	}

	if err := q.bumpRootEarliestUpdate(ctx, tx, res.Root, updatedTS); err != nil {
		if queuedb.IsDeadlockError(err) {
			return TxRollbackRetry, err
		}

		return TxAbort, err
	}

	return TxCommit, nil
}

func (q *Queue) bumpRootEarliestUpdate(ctx context.Context, tx bun.Tx, rootHash string, eventTS int64) error {
	var root CrawlRoot

	if err := tx.NewSelect().Model(&root).Where("hash = ?", rootHash).Scan(ctx); err != nil {
		return fmt.Errorf("queue: error loading root %q: %w", rootHash, err)
	}

	gap := q.rootGap
	if root.RateMS > 0 {
		gap = time.Duration(root.RateMS) * time.Millisecond
	}

	earliest := eventTS + int64(gap/time.Second)
	if gap%time.Second != 0 {
		earliest++
	}

	_, err := tx.NewUpdate().Model(&root).
		Set("last_updated = ?", eventTS).
		Set("earliest_update = ?", earliest).
		Where("hash = ?", rootHash).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: error updating root %q: %w", rootHash, err)
	}

	return nil
}

// ReapStale clears the in-flight marker on resources whose crawl_instance
// has been set for longer than staleAfter, returning them to the pending
// pool. This supplements spec §4.4's advisory in-flight guard, which the
// spec notes is "advisory" and not the primary exclusivity mechanism — a
// worker that crashes mid-fetch otherwise leaves crawl_instance set on its
// row indefinitely (next() does not filter on crawl_instance, so the row
// itself stays selectable). Intended to run on a periodic schedule from the driver.
func (q *Queue) ReapStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	_, span := tracer.Start(ctx, "queue.ReapStale")
	defer span.End()

	threshold := q.now().Add(-staleAfter).Unix()

	var affected int64

	err := q.withTx(ctx, func(ctx context.Context, tx bun.Tx) (TxResult, error) {
		res, err := tx.NewUpdate().
			Model((*CrawlResource)(nil)).
			Set("crawl_instance = NULL").
			Where("crawl_instance IS NOT NULL").
			Where("updated < ?", threshold).
			Exec(ctx)
		if err != nil {
			if queuedb.IsDeadlockError(err) {
				return TxRollbackRetry, err
			}

			return TxAbort, fmt.Errorf("queue: error reaping stale resources: %w", err)
		}

		affected, _ = res.RowsAffected()

		return TxCommit, nil
	})

	return affected, err
}
