// Package config loads the flat, static configuration keys recognised by
// the driver and queue, per spec §6. Unlike the teacher's original
// pkg/config (a mutable key/value store backed by the cache's own
// database, used for cluster-wide secrets that change at runtime), these
// keys are read once at process start from CLI flags/environment/config
// file and never mutated, so a plain struct is the right shape rather
// than a database accessor.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"
)

// ErrInvalidIdentity is returned when instance:crawler or instance:cache
// falls outside [1, count], per spec §6's "required" identity keys.
var ErrInvalidIdentity = errors.New("config: instance identity out of range")

// Config holds the configuration keys of spec §6.
type Config struct {
	// Verbose is crawl:verbose — the HTTP verbosity flag.
	Verbose int

	// Accept is crawl:accept, the Accept header sent with every request.
	Accept string

	// CrawlerID and CacheID are instance:crawler and instance:cache — this
	// instance's identity within the partitioning scheme.
	CrawlerID int
	CacheID   int

	// CrawlerCount and CacheCount are instance:crawlercount and
	// instance:cachecount (mirrored as db:crawlercount/db:cachecount),
	// the partitioning widths.
	CrawlerCount int
	CacheCount   int

	// DBURI is db:uri, the queue connection string.
	DBURI string

	// CachePath is cache:path, the cache's base directory.
	CachePath string

	// PrometheusEnabled and PrometheusAddr are prometheus:enabled and
	// prometheus:addr — whether to expose a /metrics endpoint, and where.
	PrometheusEnabled bool
	PrometheusAddr    string

	// ContentTypesWhitelist, ContentTypesBlacklist, SchemesWhitelist, and
	// SchemesBlacklist are the policy lists of spec §6, already split on
	// comma/semicolon/space.
	ContentTypesWhitelist []string
	ContentTypesBlacklist []string
	SchemesWhitelist      []string
	SchemesBlacklist      []string
}

// SplitList parses a comma/semicolon/space-separated list, per spec §6.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})

	out := make([]string, 0, len(fields))

	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}

	return out
}

// FromCommand builds a Config from cmd's flag values, per the flag names
// registered by Flags.
func FromCommand(cmd *cli.Command) (Config, error) {
	cfg := Config{
		Verbose:               int(cmd.Int("crawl-verbose")),
		Accept:                cmd.String("crawl-accept"),
		CrawlerID:             int(cmd.Int("instance-crawler")),
		CacheID:               int(cmd.Int("instance-cache")),
		CrawlerCount:          int(cmd.Int("instance-crawlercount")),
		CacheCount:            int(cmd.Int("instance-cachecount")),
		DBURI:                 cmd.String("db-uri"),
		CachePath:             cmd.String("cache-path"),
		PrometheusEnabled:     cmd.Bool("prometheus-enabled"),
		PrometheusAddr:        cmd.String("prometheus-addr"),
		ContentTypesWhitelist: SplitList(cmd.String("content-types-whitelist")),
		ContentTypesBlacklist: SplitList(cmd.String("content-types-blacklist")),
		SchemesWhitelist:      SplitList(cmd.String("schemes-whitelist")),
		SchemesBlacklist:      SplitList(cmd.String("schemes-blacklist")),
	}

	if cfg.CrawlerID < 1 || cfg.CrawlerID > cfg.CrawlerCount {
		return Config{}, fmt.Errorf("%w: instance-crawler=%d must be in [1, %d]", ErrInvalidIdentity, cfg.CrawlerID, cfg.CrawlerCount)
	}

	if cfg.CacheID < 1 || cfg.CacheID > cfg.CacheCount {
		return Config{}, fmt.Errorf("%w: instance-cache=%d must be in [1, %d]", ErrInvalidIdentity, cfg.CacheID, cfg.CacheCount)
	}

	return cfg, nil
}
