// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"errors"
	"io"
	"time"

	"github.com/ManuGH/hlsingest/internal/log"
	"github.com/ManuGH/hlsingest/internal/metrics"
)

var errWouldBlock = errors.New("hls: segment not ready")

type segState int

const (
	segPending segState = iota
	segReady
	segSkipped
	segEnd
)

// Read implements io.Reader. It blocks up to ReadTimeout for the next
// segment and returns ErrReadTimeout when none arrives, io.EOF at the end of
// a VOD presentation and the download failure if one stopped the engine.
func (e *Engine) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	e.readMu.Lock()
	defer e.readMu.Unlock()

	total := 0
	for total < len(p) {
		seg, err := e.currentSegment(total == 0)
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		n, drained := seg.readInto(p[total:], e.keepDrained())
		total += n
		e.offset.Add(uint64(n))
		if drained {
			e.advancePlayback()
		}
	}
	return total, nil
}

// Peek returns the next n bytes without consuming them. The result may be
// shorter than n at the end of the presentation or on a stall. It stays
// valid until the next Read, Peek or Seek.
func (e *Engine) Peek(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	e.readMu.Lock()
	defer e.readMu.Unlock()

	seg, err := e.currentSegment(true)
	if err != nil {
		return nil, err
	}
	seg.mu.Lock()
	avail := seg.data[seg.pos:]
	if len(avail) >= n {
		seg.mu.Unlock()
		return avail[:n], nil
	}
	buf := append(e.peekBuf[:0], avail...)
	seg.mu.Unlock()

	si, i := e.playback()
	for k := i + 1; len(buf) < n; k++ {
		next, _, state, err := e.waitSegment(si, k, true)
		if err != nil || state == segEnd {
			break
		}
		if state == segSkipped {
			continue
		}
		next.mu.Lock()
		chunk := next.data[next.pos:]
		buf = append(buf, chunk[:min(len(chunk), n-len(buf))]...)
		next.mu.Unlock()
	}
	e.peekBuf = buf
	return buf, nil
}

// currentSegment returns the segment at the playback cursor, switching the
// playback rendition when only another rendition has it ready.
func (e *Engine) currentSegment(block bool) (*Segment, error) {
	for {
		si, i := e.playback()
		seg, at, state, err := e.waitSegment(si, i, block)
		if err != nil {
			return nil, err
		}
		switch state {
		case segEnd:
			return nil, io.EOF
		case segSkipped:
			e.advancePlayback()
			continue
		}
		if at != si {
			e.switchPlayback(si, at)
		}
		return seg, nil
	}
}

// waitSegment waits up to ReadTimeout for segment i to become ready in si or
// in any other rendition.
func (e *Engine) waitSegment(si, i int, block bool) (*Segment, int, segState, error) {
	deadline := time.Now().Add(e.opts.ReadTimeout)
	for {
		if e.closed.Load() {
			return nil, si, segPending, ErrClosed
		}
		ch := e.readWake.wait()
		seg, at, state := e.locate(si, i)
		switch state {
		case segReady, segSkipped:
			return seg, at, state, nil
		case segEnd:
			return nil, si, state, e.Err()
		}
		if err := e.Err(); err != nil {
			return nil, si, state, err
		}
		if !block {
			return nil, si, state, errWouldBlock
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.IncReadStall()
			e.readerLog.Warn().
				Str(log.FieldEvent, evReadStall).
				Int(log.FieldStream, si).
				Int(log.FieldSegment, i).
				Dur("timeout", e.opts.ReadTimeout).
				Msg("no segment ready before timeout")
			return nil, si, state, ErrReadTimeout
		}
		if !sleepOn(e.ctx, ch, remaining) {
			return nil, si, state, ErrClosed
		}
	}
}

// locate reports the state of segment i and the rendition holding it,
// preferring si. Segment i is skipped when si's copy failed, or when another
// copy failed and the scheduler has moved past i with no seek pending, so no
// rendition will still deliver it.
func (e *Engine) locate(si, i int) (*Segment, int, segState) {
	e.dl.mu.Lock()
	passed := e.dl.seek < 0 && e.dl.segment > i
	e.dl.mu.Unlock()

	streams := e.store.snapshot()
	if si >= len(streams) {
		return nil, si, segPending
	}
	if i >= streams[si].count() {
		if !e.store.isLive() {
			return nil, si, segEnd
		}
		return nil, si, segPending
	}
	own := streams[si].segment(i)
	if own.hasData() {
		return own, si, segReady
	}

	otherSkipped := false
	for j, s := range streams {
		if j == si {
			continue
		}
		seg := s.segment(i)
		if seg == nil {
			continue
		}
		if seg.hasData() {
			return seg, j, segReady
		}
		otherSkipped = otherSkipped || seg.isSkipped()
	}
	if own.isSkipped() || (otherSkipped && passed) {
		return nil, si, segSkipped
	}
	return nil, si, segPending
}

func (e *Engine) playback() (stream, segment int) {
	e.dl.mu.Lock()
	defer e.dl.mu.Unlock()
	return e.pb.stream, e.pb.segment
}

func (e *Engine) advancePlayback() {
	e.dl.mu.Lock()
	e.pb.segment++
	e.dl.mu.Unlock()
	e.dl.wake.broadcast()
}

func (e *Engine) switchPlayback(from, to int) {
	e.dl.mu.Lock()
	e.pb.stream = to
	e.dl.mu.Unlock()
	metrics.IncRenditionSwitch("playback")
	e.readerLog.Info().
		Str(log.FieldEvent, evRenditionSwitch).
		Int("from", from).
		Int("to", to).
		Msg("switching playback rendition")
}

// keepDrained reports whether drained buffers are kept for replay.
func (e *Engine) keepDrained() bool {
	if e.opts.DisableCache || e.store.isLive() {
		return false
	}
	si, _ := e.playback()
	s := e.store.stream(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowCache
}
