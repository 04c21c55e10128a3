// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "time"

// Config is the fully merged runtime configuration.
type Config struct {
	LogLevel  string          `yaml:"logLevel"`
	Engine    EngineConfig    `yaml:"engine"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Reload    ReloadConfig    `yaml:"reload"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// EngineConfig tunes the download window and reader behaviour.
type EngineConfig struct {
	// WindowSegments bounds how far the scheduler may run ahead of playback.
	WindowSegments int `yaml:"windowSegments"`
	// SeekLookahead is the number of segments a seek waits for and keeps clear of the end.
	SeekLookahead int `yaml:"seekLookahead"`
	// ReadTimeout is how long Read blocks on a segment that is not downloaded yet.
	ReadTimeout time.Duration `yaml:"readTimeout"`
	// AllowCache keeps drained VOD segments in memory when the playlist permits it.
	AllowCache bool `yaml:"allowCache"`
	// ChildFetchConcurrency bounds parallel variant playlist fetches at open.
	ChildFetchConcurrency int `yaml:"childFetchConcurrency"`
}

// FetchConfig configures the HTTP fetch collaborator.
type FetchConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	UserAgent     string        `yaml:"userAgent"`
	RatePerSecond float64       `yaml:"ratePerSecond"` // 0 disables pacing
	Burst         int           `yaml:"burst"`
}

// ReloadConfig configures the live playlist reloader.
type ReloadConfig struct {
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
}

// MetricsConfig configures the ops listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"` // empty disables the listener

	// Per-client request limit on the ops listener; 0 disables it.
	RateLimitPerMinute int `yaml:"rateLimitPerMinute"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"` // grpc | http
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
	Environment  string  `yaml:"environment"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Engine: EngineConfig{
			WindowSegments:        6,
			SeekLookahead:         3,
			ReadTimeout:           10 * time.Second,
			AllowCache:            true,
			ChildFetchConcurrency: 4,
		},
		Fetch: FetchConfig{
			Timeout:       30 * time.Second,
			UserAgent:     "hlsingest/1.0",
			RatePerSecond: 0,
			Burst:         8,
		},
		Reload: ReloadConfig{
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Metrics: MetricsConfig{
			RateLimitPerMinute: 600,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}
