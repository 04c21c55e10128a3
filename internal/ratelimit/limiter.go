// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	rateLimitDelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hlsingest",
			Name:      "ratelimit_delayed_total",
			Help:      "Total origin requests that had to wait for a pacing token",
		},
		[]string{"outcome"},
	)
)

// Config holds origin pacing configuration.
type Config struct {
	// Per-host limits; a zero Rate disables pacing entirely.
	Rate  rate.Limit
	Burst int

	// Cleanup interval for per-host limiters
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Rate:            0,
		Burst:           8,
		CleanupInterval: 10 * time.Minute,
	}
}

// Limiter paces requests per origin host so a stalled live stream cannot
// hammer the server with playlist reloads and retries.
type Limiter struct {
	config Config

	perHost map[string]*rate.Limiter
	mu      sync.Mutex

	lastCleanup time.Time
}

// New creates a new rate limiter with the given config
func New(config Config) *Limiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Limiter{
		config:      config,
		perHost:     make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Enabled reports whether pacing is active.
func (l *Limiter) Enabled() bool {
	return l != nil && l.config.Rate > 0
}

// Allow reports whether a request to host may proceed immediately.
func (l *Limiter) Allow(host string) bool {
	if !l.Enabled() {
		return true
	}
	return l.hostLimiter(host).Allow()
}

// Wait blocks until a request to host may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if !l.Enabled() {
		return nil
	}
	lim := l.hostLimiter(host)
	if lim.Allow() {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		rateLimitDelayed.WithLabelValues("cancelled").Inc()
		return err
	}
	rateLimitDelayed.WithLabelValues("waited").Inc()
	return nil
}

// hostLimiter returns the rate limiter for a specific host
func (l *Limiter) hostLimiter(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.maybeCleanupLocked()

	limiter, exists := l.perHost[host]
	if !exists {
		limiter = rate.NewLimiter(l.config.Rate, l.config.Burst)
		l.perHost[host] = limiter
	}
	return limiter
}

// maybeCleanupLocked drops all host limiters once the cleanup interval has
// passed. Caller must hold l.mu.
func (l *Limiter) maybeCleanupLocked() {
	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	l.perHost = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}
