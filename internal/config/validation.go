// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"time"

	"github.com/ManuGH/hlsingest/internal/validate"
)

// Validate checks the merged configuration using the centralized validation package.
func (c Config) Validate() error {
	v := validate.New()

	if _, err := validate.ParseLogLevel(c.LogLevel); err != nil {
		v.AddError("logLevel", err.(*validate.Error).Message, c.LogLevel)
	}

	v.Range("engine.windowSegments", c.Engine.WindowSegments, 1, 64)
	v.Range("engine.seekLookahead", c.Engine.SeekLookahead, 1, 64)
	if c.Engine.SeekLookahead > c.Engine.WindowSegments {
		v.AddError("engine.seekLookahead", "must not exceed engine.windowSegments", c.Engine.SeekLookahead)
	}
	v.MinDuration("engine.readTimeout", c.Engine.ReadTimeout, 100*time.Millisecond)
	v.Range("engine.childFetchConcurrency", c.Engine.ChildFetchConcurrency, 1, 32)

	v.MinDuration("fetch.timeout", c.Fetch.Timeout, time.Second)
	v.NotEmpty("fetch.userAgent", c.Fetch.UserAgent)
	v.FloatRange("fetch.ratePerSecond", c.Fetch.RatePerSecond, 0, 10000)
	if c.Fetch.RatePerSecond > 0 {
		v.Positive("fetch.burst", c.Fetch.Burst)
	}

	v.Positive("reload.breakerThreshold", c.Reload.BreakerThreshold)
	v.MinDuration("reload.breakerReset", c.Reload.BreakerReset, time.Second)

	v.ListenAddr("metrics.listenAddr", c.Metrics.ListenAddr)
	v.NonNegative("metrics.rateLimitPerMinute", c.Metrics.RateLimitPerMinute)

	if c.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", c.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", c.Telemetry.Endpoint)
		v.FloatRange("telemetry.samplingRate", c.Telemetry.SamplingRate, 0, 1)
	}

	return v.Err()
}
