// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"golang.org/x/time/rate"

	"github.com/ManuGH/hlsingest/internal/hls"
	"github.com/ManuGH/hlsingest/internal/ratelimit"
	"github.com/ManuGH/hlsingest/internal/telemetry"
)

// EngineOptions maps the configuration onto engine options. The caller
// supplies the fetcher.
func (c Config) EngineOptions(fetcher hls.Fetcher) hls.Options {
	return hls.Options{
		Fetcher:                fetcher,
		WindowSegments:         c.Engine.WindowSegments,
		SeekLookahead:          c.Engine.SeekLookahead,
		ReadTimeout:            c.Engine.ReadTimeout,
		DisableCache:           !c.Engine.AllowCache,
		ChildFetchConcurrency:  c.Engine.ChildFetchConcurrency,
		ReloadBreakerThreshold: c.Reload.BreakerThreshold,
		ReloadBreakerReset:     c.Reload.BreakerReset,
	}
}

// TelemetryConfig maps the tracing section onto the telemetry provider config.
func (c Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    "hlsingest",
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		ExporterType:   c.Telemetry.Exporter,
		Endpoint:       c.Telemetry.Endpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
	}
}

// PacingConfig maps the fetch section onto the per-host origin limiter.
func (c Config) PacingConfig() ratelimit.Config {
	rl := ratelimit.DefaultConfig()
	rl.Rate = rate.Limit(c.Fetch.RatePerSecond)
	rl.Burst = c.Fetch.Burst
	return rl
}
