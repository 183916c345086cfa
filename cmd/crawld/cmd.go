package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/nevali/crawl/pkg/config"
	"github.com/nevali/crawl/pkg/otelzerolog"
)

// Version is set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

func newCommand() *cli.Command {
	var otelShutdown func(context.Context) error

	var configPath string

	sources := config.NewSourcesFn(&configPath)

	flags := append([]cli.Flag{
		&cli.BoolFlag{
			Name:    "otel-enabled",
			Usage:   "Enable Open-Telemetry logs, metrics and tracing",
			Sources: sources("opentelemetry.enabled", "OTEL_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "otel-grpc-url",
			Usage:   "OpenTelemetry gRPC collector URL; omit to emit telemetry to stdout",
			Sources: sources("opentelemetry.grpc-url", "OTEL_GRPC_URL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Set the log level",
			Sources: sources("log.level", "LOG_LEVEL"),
			Value:   "info",
			Validator: func(lvl string) error {
				_, err := zerolog.ParseLevel(lvl)

				return err
			},
		},
		&cli.StringFlag{
			Name:        "config",
			Usage:       "Path to the configuration file (toml, yaml, json)",
			Sources:     cli.EnvVars("CRAWLD_CONFIG_FILE"),
			Destination: &configPath,
		},
	}, config.Flags(sources)...)

	return &cli.Command{
		Name:    "crawld",
		Usage:   "distributed polite web crawler worker",
		Version: Version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			ctx = setupLogger(ctx, cmd)

			var err error

			otelShutdown, err = setupOTelSDK(ctx, cmd)
			if err != nil {
				return ctx, err
			}

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown != nil {
				return otelShutdown(ctx)
			}

			return nil
		},
		Flags:  flags,
		Action: crawlAction,
	}
}

func setupLogger(ctx context.Context, cmd *cli.Command) context.Context {
	logLvl := cmd.String("log-level")

	lvl, err := zerolog.ParseLevel(logLvl)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var output io.Writer = os.Stdout

	if colURL := cmd.String("otel-grpc-url"); colURL != "" && cmd.Bool("otel-enabled") {
		if otelWriter, err := otelzerolog.NewOtelWriter(ctx, colURL, cmd.Root().Name); err == nil {
			output = zerolog.MultiLevelWriter(os.Stdout, otelWriter)
		}
	}

	if term.IsTerminal(int(os.Stdout.Fd())) {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(output).Level(lvl).With().Timestamp().Logger()

	ctx = logger.WithContext(ctx)

	logger.Info().Str("log_level", lvl.String()).Msg("logger created")

	return ctx
}
