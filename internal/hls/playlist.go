// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"slices"
	"sync"
)

// Segment is one media chunk referenced by a playlist entry. Its sequence
// never changes after parsing. Lock order: Store, Stream, Segment.
type Segment struct {
	mu sync.Mutex

	sequence int64
	duration int // whole seconds
	size     int64
	url      string

	keyURL     string
	key        [16]byte
	keyLoaded  bool
	iv         [16]byte
	explicitIV bool

	data    []byte // nil until downloaded
	pos     int    // read cursor into data
	skipped bool   // live fetch failed; playback steps over it
}

func (s *Segment) hasData() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data != nil
}

func (s *Segment) isSkipped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped
}

// commit installs a downloaded buffer.
func (s *Segment) commit(data []byte) {
	s.mu.Lock()
	s.data = data
	s.pos = 0
	s.size = int64(len(data))
	s.skipped = false
	s.mu.Unlock()
}

// readInto copies buffered bytes into p. When the buffer is drained it is
// either released or, with keep set, rewound for later replay.
func (s *Segment) readInto(p []byte, keep bool) (n int, drained bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return 0, false
	}
	n = copy(p, s.data[s.pos:])
	s.pos += n
	if s.pos < len(s.data) {
		return n, false
	}
	if keep {
		s.pos = 0
	} else {
		s.data = nil
		s.pos = 0
	}
	return n, true
}

// rewind resets the read cursor to the start of the buffer.
func (s *Segment) rewind() {
	s.mu.Lock()
	s.pos = 0
	s.mu.Unlock()
}

func (s *Segment) release() {
	s.mu.Lock()
	s.data = nil
	s.pos = 0
	s.mu.Unlock()
}

// Stream is one bitrate rendition.
type Stream struct {
	mu sync.Mutex

	programID      int
	bandwidth      int // bits/s; declared, or measured when undeclared
	version        int
	targetDuration int
	mediaSequence  int64
	haveMediaSeq   bool
	allowCache     bool
	unsupported    bool // carries a key method other than NONE or AES-128
	url            string
	segments       []*Segment
	size           uint64 // approximate VOD size, 0 until computed

	// Key context while parsing.
	keyURL     string
	iv         [16]byte
	explicitIV bool
}

func newStream(programID, bandwidth int, url string) *Stream {
	return &Stream{
		programID:  programID,
		bandwidth:  bandwidth,
		version:    1,
		allowCache: true,
		url:        url,
	}
}

func (s *Stream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.segments)
}

func (s *Stream) segment(i int) *Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.segments) {
		return nil
	}
	return s.segments[i]
}

func (s *Stream) bandwidthBPS() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bandwidth
}

func (s *Stream) target() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetDuration
}

// maxSegmentDuration is the longest segment, used when no target duration was declared.
func (s *Stream) maxSegmentDuration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	longest := 0
	for _, seg := range s.segments {
		longest = max(longest, seg.duration)
	}
	return longest
}

// indexOf finds the segment carrying sequence. Segments are sorted by sequence.
func (s *Stream) indexOf(sequence int64) (int, bool) {
	return slices.BinarySearchFunc(s.segments, sequence, func(seg *Segment, seq int64) int {
		switch {
		case seg.sequence < seq:
			return -1
		case seg.sequence > seq:
			return 1
		}
		return 0
	})
}

// approxSize returns Σ duration × bandwidth/8, computed once bandwidth is known.
func (s *Stream) approxSize() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size != 0 || s.bandwidth <= 0 {
		return s.size
	}
	var total uint64
	for _, seg := range s.segments {
		total += uint64(seg.duration) * uint64(s.bandwidth) / 8
	}
	s.size = total
	return total
}

// observeBandwidth adopts a measured figure when none was declared and
// returns the bandwidth now in effect.
func (s *Stream) observeBandwidth(bps int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bandwidth == 0 && bps > 0 {
		s.bandwidth = bps
		s.size = 0
	}
	return s.bandwidth
}

// Store holds the renditions of one presentation, sorted ascending by
// bandwidth after the initial load.
type Store struct {
	mu      sync.RWMutex
	streams []*Stream
	live    bool
	meta    bool
}

func (st *Store) count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.streams)
}

func (st *Store) stream(i int) *Stream {
	st.mu.RLock()
	defer st.mu.RUnlock()
	if i < 0 || i >= len(st.streams) {
		return nil
	}
	return st.streams[i]
}

func (st *Store) snapshot() []*Stream {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return slices.Clone(st.streams)
}

func (st *Store) isLive() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.live
}

func (st *Store) isMeta() bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.meta
}

func (st *Store) setLive(live bool) {
	st.mu.Lock()
	st.live = live
	st.mu.Unlock()
}

// releaseRange drops the buffers of segments [from, to) in every rendition.
func (st *Store) releaseRange(from, to int) {
	for _, s := range st.snapshot() {
		for i := from; i < to; i++ {
			if seg := s.segment(i); seg != nil {
				seg.release()
			}
		}
	}
}

func (st *Store) sortByBandwidth() {
	st.mu.Lock()
	defer st.mu.Unlock()
	slices.SortStableFunc(st.streams, func(a, b *Stream) int {
		return a.bandwidth - b.bandwidth
	})
}

// find returns the stream matching (programID, bandwidth). A zero bandwidth
// matches any stream of the program. Caller holds st.mu.
func (st *Store) find(programID, bandwidth int) *Stream {
	for _, s := range st.streams {
		s.mu.Lock()
		match := s.programID == programID && (bandwidth == 0 || s.bandwidth == bandwidth)
		s.mu.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// releaseAll drops every downloaded buffer.
func (st *Store) releaseAll() {
	for _, s := range st.snapshot() {
		s.mu.Lock()
		segs := slices.Clone(s.segments)
		s.mu.Unlock()
		for _, seg := range segs {
			seg.release()
		}
	}
}
