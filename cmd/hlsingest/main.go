// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command hlsingest pulls an HLS presentation and writes it out as one
// contiguous transport stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/hlsingest/internal/api"
	"github.com/ManuGH/hlsingest/internal/config"
	"github.com/ManuGH/hlsingest/internal/fetch"
	"github.com/ManuGH/hlsingest/internal/hls"
	"github.com/ManuGH/hlsingest/internal/log"
	platformnet "github.com/ManuGH/hlsingest/internal/platform/net"
	"github.com/ManuGH/hlsingest/internal/ratelimit"
	"github.com/ManuGH/hlsingest/internal/telemetry"
	"github.com/ManuGH/hlsingest/internal/version"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type cliOptions struct {
	configPath  string
	playlistURL string
	output      string
	metricsAddr string
	showVersion bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (cliOptions, error) {
	var o cliOptions
	fs := flag.NewFlagSet("hlsingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to config file (YAML)")
	fs.StringVar(&o.playlistURL, "url", "", "playlist URL (http or https)")
	fs.StringVar(&o.output, "o", "-", "output file, - for stdout")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "listen address for /metrics, /healthz and /status (overrides config)")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.playlistURL == "" && fs.NArg() == 1 {
		o.playlistURL = fs.Arg(0)
	}
	return o, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		return exitUsage
	}
	if opts.showVersion {
		fmt.Fprintln(stdout, version.String())
		return exitOK
	}
	if _, ok := platformnet.ParseDirectHTTPURL(opts.playlistURL); !ok {
		fmt.Fprintf(stderr, "hlsingest: -url must be an http(s) playlist URL without credentials, got %q\n",
			platformnet.SanitizeURL(opts.playlistURL))
		return exitUsage
	}

	cfg, err := config.Load(strings.TrimSpace(opts.configPath))
	if err != nil {
		fmt.Fprintf(stderr, "hlsingest: load config: %v\n", err)
		return exitFailure
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.ListenAddr = opts.metricsAddr
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Output: stderr, Service: "hlsingest"})
	ctx = log.ContextWithCorrelationID(ctx, uuid.New().String())
	logger := log.WithComponentFromContext(ctx, "cli")

	tp, err := telemetry.NewProvider(ctx, cfg.TelemetryConfig(version.Version))
	if err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "telemetry.init_failed").Msg("failed to start tracing")
		return exitFailure
	}
	defer func() {
		if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	logger.Info().
		Str(log.FieldEvent, "startup").
		Str(log.FieldVersion, version.Version).
		Str(log.FieldPlaylist, platformnet.SanitizeURL(opts.playlistURL)).
		Str("output", opts.output).
		Str("metrics_addr", cfg.Metrics.ListenAddr).
		Msg("starting hlsingest")

	fetcher := fetch.WithPacing(
		fetch.NewHTTP(cfg.Fetch.Timeout, fetch.WithUserAgent(cfg.Fetch.UserAgent)),
		ratelimit.New(cfg.PacingConfig()),
	)

	var current atomic.Pointer[hls.Engine]
	g, gctx := errgroup.WithContext(ctx)
	srvCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	if cfg.Metrics.ListenAddr != "" {
		apiCfg := api.Config{
			ListenAddr:         cfg.Metrics.ListenAddr,
			RateLimitPerMinute: cfg.Metrics.RateLimitPerMinute,
		}
		if cfg.Telemetry.Enabled {
			apiCfg.TracingService = "hlsingest"
		}
		handler := api.NewRouter(func() api.StatsSource {
			if e := current.Load(); e != nil {
				return e
			}
			return nil
		}, apiCfg)
		srv := api.NewServer(apiCfg, handler)
		g.Go(func() error { return srv.Run(srvCtx) })
	}

	g.Go(func() error {
		defer stopServer()
		return ingest(gctx, cfg, opts, stdout, fetcher, &current, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Str(log.FieldEvent, "ingest.failed").Msg("ingest failed")
		return exitFailure
	}
	return exitOK
}

// ingest opens the engine and copies it to the output until EOF, a fatal
// engine error or cancellation. Cancellation keeps what was written.
func ingest(ctx context.Context, cfg config.Config, opts cliOptions, stdout io.Writer, fetcher fetch.Fetcher, current *atomic.Pointer[hls.Engine], logger zerolog.Logger) error {
	e, err := hls.Open(ctx, opts.playlistURL, cfg.EngineOptions(fetcher))
	if err != nil {
		return fmt.Errorf("open %s: %w", platformnet.SanitizeURL(opts.playlistURL), err)
	}
	current.Store(e)
	defer e.Close()
	stop := context.AfterFunc(ctx, func() { _ = e.Close() })
	defer stop()

	out, err := openOutput(opts.output, stdout, logger)
	if err != nil {
		return err
	}
	defer out.cleanup()

	start := time.Now()
	n, err := io.Copy(out.w, e)
	interrupted := ctx.Err() != nil && errors.Is(err, hls.ErrClosed)
	if err != nil && !interrupted {
		return fmt.Errorf("copy after %d bytes: %w", n, err)
	}
	if err := out.commit(); err != nil {
		return err
	}

	st := e.Stats()
	logger.Info().
		Str(log.FieldEvent, "ingest.done").
		Int64(log.FieldBytes, n).
		Dur(log.FieldElapsed, time.Since(start)).
		Bool(log.FieldLive, st.Live).
		Int(log.FieldSegment, st.PlaybackSegment).
		Bool("interrupted", interrupted).
		Msg("ingest finished")
	return nil
}

type output struct {
	w       io.Writer
	commit  func() error
	cleanup func()
}

func stdoutOutput(stdout io.Writer) output {
	return output{w: stdout, commit: func() error { return nil }, cleanup: func() {}}
}
