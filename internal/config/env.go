// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/hlsingest/internal/log"
	"github.com/rs/zerolog"
)

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "password"):
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	return defaultValue
}

// ParseInt reads an integer from environment variable or returns default value.
// It validates the input and falls back to default on parse errors.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, strconv.Atoi, func(e *zerolog.Event, v int) *zerolog.Event {
		return e.Int("value", v)
	})
}

// ParseDuration reads a duration from environment variable in Go duration format (e.g. "5s").
// It falls back to default on parse errors or empty variables and logs the choice.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, time.ParseDuration, func(e *zerolog.Event, v time.Duration) *zerolog.Event {
		return e.Dur("value", v)
	})
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	parse := func(s string) (float64, error) { return strconv.ParseFloat(s, 64) }
	return parseEnv(key, defaultValue, parse, func(e *zerolog.Event, v float64) *zerolog.Event {
		return e.Float64("value", v)
	})
}

// ParseBool reads a boolean from environment variable or returns default value.
// It accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, parseBoolWord, func(e *zerolog.Event, v bool) *zerolog.Event {
		return e.Bool("value", v)
	})
}

func parseBoolWord(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes":
		return true, nil
	case "false", "0", "no":
		return false, nil
	}
	return false, strconv.ErrSyntax
}

func parseEnv[T any](key string, defaultValue T, parse func(string) (T, error), field func(*zerolog.Event, T) *zerolog.Event) T {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	if v == "" {
		logger.Debug().
			Str("key", key).
			Str("source", "default").
			Msg("using default value (environment variable is empty)")
		return defaultValue
	}
	parsed, err := parse(v)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Msg("invalid value in environment variable, using default")
		return defaultValue
	}
	field(logger.Debug().Str("key", key).Str("source", "environment"), parsed).
		Msg("using environment variable")
	return parsed
}

// applyEnv overlays HLSINGEST_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.LogLevel = ParseString("HLSINGEST_LOG_LEVEL", cfg.LogLevel)

	cfg.Engine.WindowSegments = ParseInt("HLSINGEST_WINDOW_SEGMENTS", cfg.Engine.WindowSegments)
	cfg.Engine.SeekLookahead = ParseInt("HLSINGEST_SEEK_LOOKAHEAD", cfg.Engine.SeekLookahead)
	cfg.Engine.ReadTimeout = ParseDuration("HLSINGEST_READ_TIMEOUT", cfg.Engine.ReadTimeout)
	cfg.Engine.AllowCache = ParseBool("HLSINGEST_ALLOW_CACHE", cfg.Engine.AllowCache)
	cfg.Engine.ChildFetchConcurrency = ParseInt("HLSINGEST_CHILD_FETCH_CONCURRENCY", cfg.Engine.ChildFetchConcurrency)

	cfg.Fetch.Timeout = ParseDuration("HLSINGEST_FETCH_TIMEOUT", cfg.Fetch.Timeout)
	cfg.Fetch.UserAgent = ParseString("HLSINGEST_USER_AGENT", cfg.Fetch.UserAgent)
	cfg.Fetch.RatePerSecond = ParseFloat("HLSINGEST_FETCH_RATE", cfg.Fetch.RatePerSecond)
	cfg.Fetch.Burst = ParseInt("HLSINGEST_FETCH_BURST", cfg.Fetch.Burst)

	cfg.Reload.BreakerThreshold = ParseInt("HLSINGEST_RELOAD_BREAKER_THRESHOLD", cfg.Reload.BreakerThreshold)
	cfg.Reload.BreakerReset = ParseDuration("HLSINGEST_RELOAD_BREAKER_RESET", cfg.Reload.BreakerReset)

	cfg.Metrics.ListenAddr = ParseString("HLSINGEST_METRICS_LISTEN", cfg.Metrics.ListenAddr)
	cfg.Metrics.RateLimitPerMinute = ParseInt("HLSINGEST_METRICS_RATE_LIMIT", cfg.Metrics.RateLimitPerMinute)

	cfg.Telemetry.Enabled = ParseBool("HLSINGEST_OTEL_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = ParseString("HLSINGEST_OTEL_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = ParseString("HLSINGEST_OTEL_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat("HLSINGEST_OTEL_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}
