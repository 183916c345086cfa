package queue

import "github.com/uptrace/bun"

// CrawlRoot is a scheme+authority root, rate-limited independently of its
// resources. Grounded on spec §3's crawl_root(hash PK, uri, added,
// last_updated, earliest_update, rate_ms).
type CrawlRoot struct {
	bun.BaseModel `bun:"table:crawl_root,alias:root"`

	Hash           string `bun:"hash,pk"`
	URI            string `bun:"uri,notnull"`
	Added          int64  `bun:"added,notnull"`
	LastUpdated    int64  `bun:"last_updated,notnull,default:0"`
	EarliestUpdate int64  `bun:"earliest_update,notnull,default:0"`
	RateMS         int64  `bun:"rate_ms,notnull"`
}

// CrawlResource is one URI under a root, carrying its own schedule,
// partition assignment, and error history. Grounded on spec §3's
// crawl_resource(hash PK, shorthash, crawl_bucket, cache_bucket,
// crawl_instance, root FK, added, updated, last_modified, status, uri,
// next_fetch, error_count, soft_error_count, last_ttl).
type CrawlResource struct {
	bun.BaseModel `bun:"table:crawl_resource,alias:res"`

	Hash           string `bun:"hash,pk"`
	ShortHash      uint32 `bun:"shorthash,notnull"`
	CrawlBucket    int    `bun:"crawl_bucket,notnull"`
	CacheBucket    int    `bun:"cache_bucket,notnull"`
	CrawlInstance  *int   `bun:"crawl_instance"`
	Root           string `bun:"root,notnull"`
	Added          int64  `bun:"added,notnull"`
	Updated        int64  `bun:"updated,notnull,default:0"`
	LastModified   int64  `bun:"last_modified,notnull,default:0"`
	Status         int    `bun:"status,notnull,default:0"`
	URI            string `bun:"uri,notnull"`
	NextFetch      int64  `bun:"next_fetch,notnull"`
	ErrorCount     int    `bun:"error_count,notnull,default:0"`
	SoftErrorCount int    `bun:"soft_error_count,notnull,default:0"`
	LastTTL        int64  `bun:"last_ttl,notnull,default:0"`
}
