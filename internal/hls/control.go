// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"fmt"

	"github.com/ManuGH/hlsingest/internal/log"
)

// Seek moves playback to the segment containing byte offset pos, measured as
// Σ duration × bandwidth/8. It refuses targets within SeekLookahead
// segments of the end and blocks until that many segments are buffered past
// the target.
func (e *Engine) Seek(pos uint64) error {
	e.readMu.Lock()
	defer e.readMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if !e.CanSeek() {
		return ErrSeekNotAllowed
	}

	si, cur := e.playback()
	s := e.store.stream(si)
	target, start, err := seekTarget(s, pos, e.opts.SeekLookahead)
	if err != nil {
		return err
	}
	if old := s.segment(cur); old != nil {
		old.rewind()
	}
	if target > cur && !e.keepDrained() {
		e.store.releaseRange(cur, target)
	}
	s.segment(target).rewind()

	e.dl.mu.Lock()
	e.pb.segment = target
	e.dl.seek = target
	e.dl.mu.Unlock()
	e.offset.Store(start)
	e.dl.wake.broadcast()

	e.readerLog.Debug().Uint64("offset", pos).Int(log.FieldSegment, target).Msg("seek requested")

	for {
		if e.closed.Load() {
			return ErrClosed
		}
		if err := e.Err(); err != nil {
			return err
		}
		e.dl.mu.Lock()
		ch := e.readWake.wait()
		count := e.store.stream(e.dl.stream).count()
		ready := e.dl.seek < 0 &&
			(e.dl.segment-e.pb.segment >= e.opts.SeekLookahead || e.dl.segment >= count)
		e.dl.mu.Unlock()
		if ready {
			return nil
		}
		if !sleepOn(e.ctx, ch, 0) {
			return ErrClosed
		}
	}
}

// seekTarget maps pos to a segment index and that segment's start offset.
func seekTarget(s *Stream, pos uint64, lookahead int) (int, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bandwidth <= 0 {
		return 0, 0, fmt.Errorf("%w: bandwidth unknown", ErrSeekNotAllowed)
	}
	n := len(s.segments)
	var acc uint64
	for i, seg := range s.segments {
		seg.mu.Lock()
		size := uint64(seg.duration) * uint64(s.bandwidth) / 8
		seg.mu.Unlock()
		if pos < acc+size {
			if n-i <= lookahead {
				return 0, 0, ErrTooCloseToEnd
			}
			return i, acc, nil
		}
		acc += size
	}
	return 0, 0, ErrTooCloseToEnd
}

// CanSeek is always true for VOD. A live presentation is seekable while the
// download cursor is at least two segments behind the live edge.
func (e *Engine) CanSeek() bool {
	if !e.store.isLive() {
		return true
	}
	e.dl.mu.Lock()
	defer e.dl.mu.Unlock()
	return e.dl.segment < e.store.stream(e.dl.stream).count()-2
}

// CanPause is always true.
func (e *Engine) CanPause() bool { return true }

// CanFastSeek is always false.
func (e *Engine) CanFastSeek() bool { return false }

// Position returns the bytes delivered, in Seek's coordinate space.
func (e *Engine) Position() uint64 { return e.offset.Load() }

// Size returns the approximate VOD size, or 0 for live presentations.
func (e *Engine) Size() uint64 {
	if e.store.isLive() {
		return 0
	}
	si, _ := e.playback()
	return e.store.stream(si).approxSize()
}

// Query selects a Control operation.
type Query int

const (
	QueryCanSeek Query = iota
	QueryCanPause
	QueryCanFastSeek
	QueryGetPosition
	QuerySetPauseState
	QuerySetPosition
	QueryGetSize
)

func (q Query) String() string {
	switch q {
	case QueryCanSeek:
		return "can_seek"
	case QueryCanPause:
		return "can_pause"
	case QueryCanFastSeek:
		return "can_fastseek"
	case QueryGetPosition:
		return "get_position"
	case QuerySetPauseState:
		return "set_pause_state"
	case QuerySetPosition:
		return "set_position"
	case QueryGetSize:
		return "get_size"
	default:
		return fmt.Sprintf("query(%d)", int(q))
	}
}

// Control answers host queries. QuerySetPauseState takes a bool and
// QuerySetPosition a uint64; the other queries ignore arg.
func (e *Engine) Control(q Query, arg any) (any, error) {
	switch q {
	case QueryCanSeek:
		return e.CanSeek(), nil
	case QueryCanPause:
		return e.CanPause(), nil
	case QueryCanFastSeek:
		return e.CanFastSeek(), nil
	case QueryGetPosition:
		return e.Position(), nil
	case QueryGetSize:
		return e.Size(), nil
	case QuerySetPauseState:
		paused, ok := arg.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants bool, got %T", ErrUnsupportedQuery, q, arg)
		}
		e.SetPaused(paused)
		return nil, nil
	case QuerySetPosition:
		pos, ok := arg.(uint64)
		if !ok {
			return nil, fmt.Errorf("%w: %s wants uint64, got %T", ErrUnsupportedQuery, q, arg)
		}
		return nil, e.Seek(pos)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedQuery, q)
	}
}
