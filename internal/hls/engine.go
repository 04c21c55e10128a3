// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package hls turns a remote HLS playlist into one contiguous byte stream.
//
// An Engine runs a download goroutine that keeps a sliding window of
// decrypted segments ahead of the consumer and, for live playlists, a reload
// goroutine that merges new playlist generations. The consumer pulls bytes
// with Read, Peek and Seek.
package hls

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/hlsingest/internal/log"
	"github.com/ManuGH/hlsingest/internal/resilience"
	"github.com/ManuGH/hlsingest/internal/telemetry"
)

// Defaults for Options.
const (
	DefaultWindowSegments        = 6
	DefaultSeekLookahead         = 3
	DefaultReadTimeout           = 10 * time.Second
	DefaultChildFetchConcurrency = 4
	DefaultReloadBreakerReset    = 30 * time.Second
	DefaultReloadBreakerFailures = 5

	// liveStartTargets is how many target durations behind the live edge
	// playback starts.
	liveStartTargets = 3
)

// Options configures an Engine. Zero values take the defaults above.
type Options struct {
	Fetcher Fetcher
	Logger  *zerolog.Logger

	WindowSegments        int
	SeekLookahead         int
	ReadTimeout           time.Duration
	DisableCache          bool
	ChildFetchConcurrency int

	ReloadBreakerThreshold int
	ReloadBreakerReset     time.Duration
}

func (o Options) withDefaults() Options {
	if o.WindowSegments <= 0 {
		o.WindowSegments = DefaultWindowSegments
	}
	if o.SeekLookahead <= 0 {
		o.SeekLookahead = DefaultSeekLookahead
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.ChildFetchConcurrency <= 0 {
		o.ChildFetchConcurrency = DefaultChildFetchConcurrency
	}
	if o.ReloadBreakerThreshold <= 0 {
		o.ReloadBreakerThreshold = DefaultReloadBreakerFailures
	}
	if o.ReloadBreakerReset <= 0 {
		o.ReloadBreakerReset = DefaultReloadBreakerReset
	}
	return o
}

// Engine is one open HLS presentation.
type Engine struct {
	opts    Options
	url     string
	fetcher Fetcher
	tracer  trace.Tracer

	log         zerolog.Logger
	schedLog    zerolog.Logger
	reloaderLog zerolog.Logger
	readerLog   zerolog.Logger

	store   *Store
	parser  *parser
	keys    *keyManager
	bw      bandwidthEstimator
	breaker *resilience.CircuitBreaker

	// Download coordination. dl.mu guards both cursors and the pending seek;
	// dl.wake is broadcast when the window or the segment list changes.
	dl struct {
		mu      sync.Mutex
		stream  int
		segment int
		seek    int // -1 when no seek is pending
		wake    *notifier
	}
	pb struct {
		stream  int
		segment int
	}
	offset atomic.Uint64

	// reloadEvery is the live reload interval currently in effect.
	reloadEvery atomic.Int64

	// readWake is broadcast after every committed download and on failure.
	readWake *notifier

	pause struct {
		mu     sync.Mutex
		paused bool
		wake   *notifier
	}

	errMu sync.Mutex
	err   error

	// readMu serializes consumer calls.
	readMu  sync.Mutex
	peekBuf []byte

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open fetches and parses playlistURL, picks the highest rendition,
// downloads the first segment and starts the background goroutines. ctx
// bounds Open itself; the engine runs until Close.
func Open(ctx context.Context, playlistURL string, opts Options) (_ *Engine, err error) {
	if opts.Fetcher == nil {
		return nil, errors.New("hls: Options.Fetcher is required")
	}
	opts = opts.withDefaults()

	e := &Engine{
		opts:     opts,
		url:      playlistURL,
		fetcher:  opts.Fetcher,
		tracer:   telemetry.Tracer(telemetry.TracerName),
		store:    &Store{},
		readWake: newNotifier(),
	}
	base := log.WithComponent("hls")
	if opts.Logger != nil {
		base = *opts.Logger
	}
	base = log.WithContext(ctx, base).With().Str(log.FieldPlaylist, playlistURL).Logger()
	e.log = base
	e.schedLog = base.With().Str(log.FieldComponent, "hls.scheduler").Logger()
	e.reloaderLog = base.With().Str(log.FieldComponent, "hls.reloader").Logger()
	e.readerLog = base.With().Str(log.FieldComponent, "hls.reader").Logger()
	e.parser = &parser{
		fetcher:    opts.Fetcher,
		log:        base.With().Str(log.FieldComponent, "hls.parser").Logger(),
		childLimit: opts.ChildFetchConcurrency,
	}
	e.keys = &keyManager{
		fetcher: opts.Fetcher,
		log:     base.With().Str(log.FieldComponent, "hls.keys").Logger(),
	}
	e.dl.seek = -1
	e.dl.wake = newNotifier()
	e.pause.wake = newNotifier()

	ctx, span := e.tracer.Start(ctx, "hls.open")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	data, err := readPlaylist(ctx, e.fetcher, playlistURL)
	if err != nil {
		return nil, err
	}
	if err := e.parser.parse(ctx, data, playlistURL, e.store); err != nil {
		return nil, err
	}
	e.store.sortByBandwidth()

	streams := e.store.snapshot()
	live := e.store.isLive()
	span.SetAttributes(telemetry.PlaylistAttributes(playlistURL, live, len(streams))...)

	idx := initialRendition(streams)
	s := streams[idx]
	if s.count() == 0 {
		return nil, ErrNoPlayableStreams
	}
	start := 0
	if live {
		start = liveStart(s)
	}
	e.dl.stream, e.pb.stream = idx, idx
	e.pb.segment = start

	res, err := e.download(ctx, idx, start)
	if err != nil {
		return nil, err
	}
	s.segment(start).commit(res.data)
	e.dl.segment = start + 1

	e.breaker = resilience.NewCircuitBreaker("playlist_reload", opts.ReloadBreakerThreshold, opts.ReloadBreakerReset)
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	e.log.Info().
		Bool(log.FieldLive, live).
		Bool("meta", e.store.isMeta()).
		Int(log.FieldRenditions, len(streams)).
		Int(log.FieldBandwidth, s.bandwidthBPS()).
		Int(log.FieldSegment, start).
		Msg("playlist opened")

	e.wg.Add(1)
	go e.runScheduler()
	if live {
		e.wg.Add(1)
		go e.runReloader()
	}
	return e, nil
}

// initialRendition picks the highest-bandwidth stream that can be decrypted.
func initialRendition(streams []*Stream) int {
	for i := len(streams) - 1; i >= 0; i-- {
		streams[i].mu.Lock()
		unsupported := streams[i].unsupported
		streams[i].mu.Unlock()
		if !unsupported {
			return i
		}
	}
	return len(streams) - 1
}

// liveStart returns the first segment whose cumulative duration, counted back
// from the live edge, reaches liveStartTargets target durations.
func liveStart(s *Stream) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := liveStartTargets * s.targetDuration
	total := 0
	for i := len(s.segments) - 1; i >= 0; i-- {
		total += s.segments[i].duration
		if total >= want {
			return i
		}
	}
	return 0
}

// Close stops both goroutines and releases every buffer. It is safe to call
// more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.dl.mu.Lock()
	e.dl.seek = -1
	e.dl.mu.Unlock()
	e.dl.wake.broadcast()
	e.readWake.broadcast()
	e.pause.wake.broadcast()
	e.wg.Wait()
	e.store.releaseAll()
	e.log.Debug().Msg("engine closed")
	return nil
}

// setErr records the first runtime failure and wakes blocked readers.
func (e *Engine) setErr(err error) {
	e.errMu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.errMu.Unlock()
	e.readWake.broadcast()
}

// Err returns the runtime failure that stopped downloads, if any.
func (e *Engine) Err() error {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.err
}

// SetPaused suspends or resumes new segment downloads. A download in flight
// completes.
func (e *Engine) SetPaused(paused bool) {
	e.pause.mu.Lock()
	e.pause.paused = paused
	e.pause.mu.Unlock()
	e.pause.wake.broadcast()
}

// waitUnpaused blocks while paused. It returns false once the engine closes.
func (e *Engine) waitUnpaused() bool {
	for {
		e.pause.mu.Lock()
		if !e.pause.paused {
			e.pause.mu.Unlock()
			return !e.closed.Load()
		}
		ch := e.pause.wake.wait()
		e.pause.mu.Unlock()
		if !sleepOn(e.ctx, ch, 0) {
			return false
		}
	}
}

// RenditionStats describes one rendition.
type RenditionStats struct {
	ProgramID   int  `json:"program_id"`
	Bandwidth   int  `json:"bandwidth_bps"`
	Segments    int  `json:"segments"`
	Unsupported bool `json:"unsupported,omitempty"`
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	URL             string           `json:"url"`
	Live            bool             `json:"live"`
	Meta            bool             `json:"meta"`
	Renditions      []RenditionStats `json:"renditions"`
	DownloadStream  int              `json:"download_stream"`
	DownloadSegment int              `json:"download_segment"`
	PlaybackStream  int              `json:"playback_stream"`
	PlaybackSegment int              `json:"playback_segment"`
	Position        uint64           `json:"position"`
	Size            uint64           `json:"size"`
	MeasuredBPS     int              `json:"measured_bps"`
	SmoothedBPS     float64          `json:"smoothed_bps"`
	Paused          bool             `json:"paused"`
	ReloadInterval  time.Duration    `json:"reload_interval_ns,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Stats returns a snapshot of cursors, renditions and throughput.
func (e *Engine) Stats() Stats {
	st := Stats{
		URL:      e.url,
		Live:     e.store.isLive(),
		Meta:     e.store.isMeta(),
		Position: e.Position(),
		Size:     e.Size(),
	}
	for _, s := range e.store.snapshot() {
		s.mu.Lock()
		st.Renditions = append(st.Renditions, RenditionStats{
			ProgramID:   s.programID,
			Bandwidth:   s.bandwidth,
			Segments:    len(s.segments),
			Unsupported: s.unsupported,
		})
		s.mu.Unlock()
	}
	e.dl.mu.Lock()
	st.DownloadStream, st.DownloadSegment = e.dl.stream, e.dl.segment
	st.PlaybackStream, st.PlaybackSegment = e.pb.stream, e.pb.segment
	e.dl.mu.Unlock()
	st.SmoothedBPS, st.MeasuredBPS = e.bw.rolling()
	if st.Live {
		st.ReloadInterval = time.Duration(e.reloadEvery.Load())
	}
	e.pause.mu.Lock()
	st.Paused = e.pause.paused
	e.pause.mu.Unlock()
	if err := e.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

func spanError(span trace.Span, err error, kind string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(telemetry.ErrorAttributes(err, kind)...)
}
