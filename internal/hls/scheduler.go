// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/hlsingest/internal/log"
	"github.com/ManuGH/hlsingest/internal/metrics"
	"github.com/ManuGH/hlsingest/internal/telemetry"
)

type downloadResult struct {
	data   []byte
	bps    int
	cached bool
}

// runScheduler keeps the window ahead of playback filled until Close.
func (e *Engine) runScheduler() {
	defer e.wg.Done()

	for {
		si, i, ok := e.nextDownload()
		if !ok {
			return
		}
		if !e.waitUnpaused() {
			return
		}

		res, err := e.download(e.ctx, si, i)
		if err != nil {
			if e.closed.Load() || e.ctx.Err() != nil {
				return
			}
			if !e.store.isLive() {
				e.schedLog.Error().Err(err).
					Str(log.FieldEvent, evFetchFailed).
					Int(log.FieldStream, si).
					Int(log.FieldSegment, i).
					Msg("segment failed, stopping downloads")
				e.setErr(err)
				return
			}
			e.schedLog.Warn().Err(err).
				Str(log.FieldEvent, evFetchFailed).
				Int(log.FieldStream, si).
				Int(log.FieldSegment, i).
				Msg("live segment failed, skipping")
			e.commitDownload(si, i, downloadResult{}, true)
			continue
		}
		e.commitDownload(si, i, res, false)
	}
}

// nextDownload blocks until a segment may be fetched and returns its
// position. It returns false once the engine closes.
func (e *Engine) nextDownload() (si, i int, ok bool) {
	e.dl.mu.Lock()
	defer e.dl.mu.Unlock()

	for {
		if e.closed.Load() {
			return 0, 0, false
		}
		if e.dl.seek >= 0 {
			e.dl.segment, e.dl.seek = e.dl.seek, -1
			return e.dl.stream, e.dl.segment, true
		}
		if e.dl.segment < e.pb.segment {
			e.dl.segment = e.pb.segment
		}

		s := e.store.stream(e.dl.stream)
		if e.dl.segment < s.count() && e.dl.segment-e.pb.segment < e.opts.WindowSegments {
			return e.dl.stream, e.dl.segment, true
		}

		var timeout time.Duration
		if e.store.isLive() {
			timeout = max(time.Duration(s.target())*time.Second, time.Second)
		}
		ch := e.dl.wake.wait()
		e.dl.mu.Unlock()
		alive := sleepOn(e.ctx, ch, timeout)
		e.dl.mu.Lock()
		if !alive {
			return 0, 0, false
		}
	}
}

// commitDownload installs a result and advances the download cursor. The
// buffer swap and the cursor move happen under dl.mu so playback never
// overtakes the download cursor.
func (e *Engine) commitDownload(si, i int, res downloadResult, failed bool) {
	seg := e.store.stream(si).segment(i)

	e.dl.mu.Lock()
	switch {
	case failed:
		seg.mu.Lock()
		seg.skipped = true
		seg.mu.Unlock()
	case !res.cached:
		seg.commit(res.data)
	}
	if e.dl.seek < 0 && e.dl.stream == si && e.dl.segment == i {
		e.dl.segment = i + 1
	}
	if !failed && !res.cached {
		e.maybeSwitchLocked(si, res.bps)
	}
	e.dl.mu.Unlock()

	e.readWake.broadcast()
}

// maybeSwitchLocked moves the download cursor to the rendition that best fits
// bps. Caller holds dl.mu.
func (e *Engine) maybeSwitchLocked(si, bps int) {
	streams := e.store.snapshot()
	cur := streams[si]
	cur.mu.Lock()
	programID := cur.programID
	cur.mu.Unlock()

	idx, ok := pickRendition(programID, bps, streams)
	if !ok || idx == e.dl.stream {
		return
	}
	e.schedLog.Info().
		Str(log.FieldEvent, evRenditionSwitch).
		Int("from", e.dl.stream).
		Int("to", idx).
		Int(log.FieldMeasuredBPS, bps).
		Int(log.FieldBandwidth, streams[idx].bandwidthBPS()).
		Msg("switching download rendition")
	e.dl.stream = idx
	metrics.IncRenditionSwitch("download")
}

// download fetches and decrypts segment i of stream si without installing it.
func (e *Engine) download(ctx context.Context, si, i int) (downloadResult, error) {
	s := e.store.stream(si)
	if s == nil {
		return downloadResult{}, fmt.Errorf("hls: stream %d out of range", si)
	}
	seg := s.segment(i)
	if seg == nil {
		return downloadResult{}, fmt.Errorf("hls: segment %d out of range", i)
	}
	if seg.hasData() {
		return downloadResult{cached: true}, nil
	}
	prev := s.segment(i - 1)

	seg.mu.Lock()
	url, hint, sequence, duration := seg.url, seg.size, seg.sequence, seg.duration
	encrypted := seg.keyURL != ""
	seg.mu.Unlock()

	s.mu.Lock()
	programID, declared, unsupported := s.programID, s.bandwidth, s.unsupported
	s.mu.Unlock()
	live := e.store.isLive()

	ctx, span := e.tracer.Start(ctx, "hls.segment.download",
		trace.WithAttributes(telemetry.SegmentAttributes(programID, declared, sequence, url, encrypted)...))
	defer span.End()

	start := time.Now()
	data, err := fetchSegment(ctx, e.fetcher, url, hint, e.schedLog)
	if err != nil {
		metrics.IncSegmentFailure(metrics.StageFetch)
		spanError(span, err, metrics.StageFetch)
		return downloadResult{}, err
	}
	elapsed := time.Since(start)

	if encrypted {
		key, iv, stillEncrypted, err := e.keys.keyFor(ctx, seg, prev)
		if err != nil {
			metrics.IncSegmentFailure(metrics.StageKey)
			spanError(span, err, metrics.StageKey)
			return downloadResult{}, err
		}
		if stillEncrypted {
			if data, err = decryptSegment(data, key, iv); err != nil {
				metrics.IncSegmentFailure(metrics.StageDecrypt)
				spanError(span, err, metrics.StageDecrypt)
				return downloadResult{}, fmt.Errorf("segment %d: %w", sequence, err)
			}
		}
	} else if unsupported {
		e.schedLog.Warn().
			Str(log.FieldEvent, evUndecryptable).
			Int64(log.FieldSequence, sequence).
			Msg("rendition uses an unsupported key method, passing bytes through")
	}

	bps := e.bw.observe(len(data), elapsed)
	bandwidth := s.observeBandwidth(bps)
	if bandwidth > bps {
		e.schedLog.Warn().
			Str(log.FieldEvent, evStallRisk).
			Int64(log.FieldSequence, sequence).
			Int(log.FieldBandwidth, bandwidth).
			Int(log.FieldMeasuredBPS, bps).
			Int(log.FieldDuration, duration).
			Msg("download slower than real time")
	}
	metrics.ObserveSegmentDownload(live, encrypted, len(data), elapsed)
	span.SetAttributes(
		attribute.Int(telemetry.SegmentBytesKey, len(data)),
		attribute.Int(telemetry.MeasuredBPSKey, bps),
	)
	e.schedLog.Debug().
		Int(log.FieldStream, si).
		Int(log.FieldSegment, i).
		Int64(log.FieldSequence, sequence).
		Int(log.FieldBytes, len(data)).
		Dur(log.FieldElapsed, elapsed).
		Msg("segment downloaded")

	return downloadResult{data: data, bps: bps}, nil
}
