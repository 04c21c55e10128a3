// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api serves the operational endpoints of a running ingest:
// Prometheus metrics, liveness and a JSON view of the engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ManuGH/hlsingest/internal/api/middleware"
	"github.com/ManuGH/hlsingest/internal/hls"
	"github.com/ManuGH/hlsingest/internal/log"
)

const shutdownTimeout = 5 * time.Second

// StatsSource is implemented by *hls.Engine.
type StatsSource interface {
	Stats() hls.Stats
}

// Config configures the status server.
type Config struct {
	ListenAddr         string
	TracingService     string // empty disables request tracing
	RateLimitPerMinute int
}

// NewRouter builds the status handler. src may be nil until the engine is
// open; /status then answers 503.
func NewRouter(src func() StatsSource, cfg Config) http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableMetrics:      true,
		TracingService:     cfg.TracingService,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if src() == nil {
			http.Error(w, "engine not open", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready\n"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		s := src()
		if s == nil {
			writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"error": "engine not open"})
			return
		}
		writeJSON(w, r, http.StatusOK, s.Stats())
	})
	return r
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Debug().Err(err).Msg("write response")
	}
}

// Server runs the status handler until its context ends.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

// NewServer wraps handler in an http.Server listening on cfg.ListenAddr.
func NewServer(cfg Config, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		log: log.WithComponent("api"),
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str(log.FieldEvent, "api.listen").Str("addr", s.srv.Addr).Msg("status server listening")
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
