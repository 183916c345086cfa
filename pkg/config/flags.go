package config

import (
	"github.com/urfave/cli-altsrc/v3/json"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli-altsrc/v3/yaml"
	"github.com/urfave/cli/v3"

	altsrc "github.com/urfave/cli-altsrc/v3"
)

// SourcesFn resolves a flag's value source chain: config-file key first
// (TOML, then YAML, then JSON, whichever the loaded file is), then an
// environment variable, matching cmd/cmd.go's flagSources closure.
type SourcesFn func(configFileKey, envVar string) cli.ValueSourceChain

// NewSourcesFn returns a SourcesFn reading the config file at *configPath
// (populated by the --config flag's Destination).
func NewSourcesFn(configPath *string) SourcesFn {
	return func(configFileKey, envVar string) cli.ValueSourceChain {
		return cli.NewValueSourceChain(
			toml.TOML(configFileKey, altsrc.NewStringPtrSourcer(configPath)),
			yaml.YAML(configFileKey, altsrc.NewStringPtrSourcer(configPath)),
			json.JSON(configFileKey, altsrc.NewStringPtrSourcer(configPath)),
			cli.EnvVar(envVar),
		)
	}
}

// Flags returns the cli.Flag set for every key of spec §6, sourced
// through sources.
func Flags(sources SourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "crawl-verbose",
			Usage:   "HTTP verbosity level",
			Sources: sources("crawl.verbose", "CRAWL_VERBOSE"),
		},
		&cli.StringFlag{
			Name:    "crawl-accept",
			Usage:   "Accept header sent with every request",
			Sources: sources("crawl.accept", "CRAWL_ACCEPT"),
			Value:   "*/*",
		},
		&cli.IntFlag{
			Name:     "instance-crawler",
			Usage:    "This instance's crawler identity (1-based)",
			Sources:  sources("instance.crawler", "INSTANCE_CRAWLER"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "instance-cache",
			Usage:    "This instance's cache identity (1-based)",
			Sources:  sources("instance.cache", "INSTANCE_CACHE"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "instance-crawlercount",
			Usage:    "Number of crawler instances (mirrored as db:crawlercount)",
			Sources:  sources("instance.crawlercount", "INSTANCE_CRAWLERCOUNT"),
			Required: true,
		},
		&cli.IntFlag{
			Name:     "instance-cachecount",
			Usage:    "Number of cache instances (mirrored as db:cachecount)",
			Sources:  sources("instance.cachecount", "INSTANCE_CACHECOUNT"),
			Required: true,
		},
		&cli.StringFlag{
			Name:    "db-uri",
			Usage:   "Queue connection string",
			Sources: sources("db.uri", "DB_URI"),
			Value:   "mysql://localhost/crawl",
		},
		&cli.StringFlag{
			Name:     "cache-path",
			Usage:    "Cache base path (absolute or relative)",
			Sources:  sources("cache.path", "CACHE_PATH"),
			Required: true,
		},
		&cli.BoolFlag{
			Name:    "prometheus-enabled",
			Usage:   "Expose crawl metrics in Prometheus format",
			Sources: sources("prometheus.enabled", "PROMETHEUS_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "prometheus-addr",
			Usage:   "Address the Prometheus /metrics endpoint listens on",
			Sources: sources("prometheus.addr", "PROMETHEUS_ADDR"),
			Value:   ":9090",
		},
		&cli.StringFlag{
			Name:    "content-types-whitelist",
			Usage:   "Comma/semicolon/space-separated Content-Type whitelist",
			Sources: sources("content-types.whitelist", "CONTENT_TYPES_WHITELIST"),
		},
		&cli.StringFlag{
			Name:    "content-types-blacklist",
			Usage:   "Comma/semicolon/space-separated Content-Type blacklist",
			Sources: sources("content-types.blacklist", "CONTENT_TYPES_BLACKLIST"),
		},
		&cli.StringFlag{
			Name:    "schemes-whitelist",
			Usage:   "Comma/semicolon/space-separated URI scheme whitelist",
			Sources: sources("schemes.whitelist", "SCHEMES_WHITELIST"),
		},
		&cli.StringFlag{
			Name:    "schemes-blacklist",
			Usage:   "Comma/semicolon/space-separated URI scheme blacklist",
			Sources: sources("schemes.blacklist", "SCHEMES_BLACKLIST"),
		},
	}
}
