package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/nevali/crawl/pkg/cachestore"
	"github.com/nevali/crawl/pkg/config"
	"github.com/nevali/crawl/pkg/crawlcontext"
	"github.com/nevali/crawl/pkg/driver"
	"github.com/nevali/crawl/pkg/fetcher"
	"github.com/nevali/crawl/pkg/lock/local"
	"github.com/nevali/crawl/pkg/policy"
	"github.com/nevali/crawl/pkg/processor"
	"github.com/nevali/crawl/pkg/prometheus"
	"github.com/nevali/crawl/pkg/queue"
	"github.com/nevali/crawl/pkg/queuedb"
)

func crawlAction(ctx context.Context, cmd *cli.Command) error {
	logger := zerolog.Ctx(ctx).With().Str("cmd", "crawl").Logger()
	ctx = logger.WithContext(ctx)

	ctx, cancel := context.WithCancel(ctx)

	g, ctx := errgroup.WithContext(ctx)

	defer func() {
		if err := g.Wait(); err != nil {
			logger.Error().Err(err).Msg("error returned from g.Wait()")
		}
	}()

	defer cancel()

	g.Go(func() error {
		return autoMaxProcs(ctx, 30*time.Second, logger)
	})

	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}

	db, err := queuedb.Open(cfg.DBURI, nil)
	if err != nil {
		return fmt.Errorf("error opening the queue database %q: %w", cfg.DBURI, err)
	}

	q, err := queue.New(db, &queue.Options{
		NCrawlers: cfg.CrawlerCount,
		NCaches:   cfg.CacheCount,
	})
	if err != nil {
		return fmt.Errorf("error creating the queue: %w", err)
	}

	if err := q.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("error ensuring the queue schema: %w", err)
	}

	store, err := cachestore.New(ctx, cfg.CachePath)
	if err != nil {
		return fmt.Errorf("error opening the cache store at %q: %w", cfg.CachePath, err)
	}

	uriPolicy := policy.NewURIPolicy(policy.List(cfg.SchemesWhitelist), policy.List(cfg.SchemesBlacklist))
	checkpoint := policy.NewCheckpointPolicy(policy.List(cfg.ContentTypesWhitelist), policy.List(cfg.ContentTypesBlacklist))

	f := fetcher.New(store, &fetcher.Options{
		Accept:     cfg.Accept,
		URIPolicy:  uriPolicy,
		Checkpoint: checkpoint,
		Locker:     local.NewLocker(),
	})

	callbacks := processor.New(q, processor.Noop{})

	worker := crawlcontext.New(crawlcontext.Identity{
		CrawlerID:    cfg.CrawlerID,
		CacheID:      cfg.CacheID,
		CrawlerCount: cfg.CrawlerCount,
		CacheCount:   cfg.CacheCount,
	}, f, q, callbacks)

	d := driver.New([]*crawlcontext.Context{worker}, q, nil)

	if cfg.PrometheusEnabled {
		gatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
		if err != nil {
			return fmt.Errorf("error setting up Prometheus metrics: %w", err)
		}

		defer func() {
			if err := shutdown(ctx); err != nil {
				logger.Error().Err(err).Msg("error shutting down Prometheus metrics")
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

		metricsServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cfg.PrometheusAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("error starting the Prometheus listener: %w", err)
			}

			return nil
		})

		g.Go(func() error {
			<-ctx.Done()

			return metricsServer.Shutdown(context.Background())
		})

		logger.Info().Str("prometheus_addr", cfg.PrometheusAddr).Msg("Prometheus metrics enabled at /metrics")
	}

	logger.Info().
		Int("crawler_id", cfg.CrawlerID).
		Int("cache_id", cfg.CacheID).
		Int("crawler_count", cfg.CrawlerCount).
		Int("cache_count", cfg.CacheCount).
		Str("cache_path", cfg.CachePath).
		Msg("crawld started")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("error running the driver: %w", err)
	}

	return nil
}
