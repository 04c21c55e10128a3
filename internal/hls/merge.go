// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"github.com/rs/zerolog"

	"github.com/ManuGH/hlsingest/internal/log"
)

// merge folds a freshly parsed generation into st and returns how many
// segments were appended. Unknown renditions are appended wholesale.
func (st *Store) merge(fresh *Store, logger zerolog.Logger) int {
	incoming := fresh.snapshot()

	st.mu.Lock()
	defer st.mu.Unlock()

	added := 0
	for _, ns := range incoming {
		old := st.find(ns.programID, ns.bandwidth)
		if old == nil {
			st.streams = append(st.streams, ns)
			added += len(ns.segments)
			logger.Info().
				Str(log.FieldEvent, evRenditionAdded).
				Int(log.FieldProgramID, ns.programID).
				Int(log.FieldBandwidth, ns.bandwidth).
				Int("segments", len(ns.segments)).
				Msg("new rendition in reload")
			continue
		}
		added += old.mergeFrom(ns, logger)
	}
	return added
}

// mergeFrom merges the segments of ns, a private stream, into s. Known
// sequences are checked and repaired in place; newer ones are appended.
// Sequences at or below the last known one that are missing are dropped so
// the list stays strictly increasing.
func (s *Stream) mergeFrom(ns *Stream, logger zerolog.Logger) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ns.targetDuration > 0 {
		s.targetDuration = ns.targetDuration
	}
	if ns.unsupported {
		s.unsupported = true
	}
	s.allowCache = ns.allowCache

	added := 0
	for _, seg := range ns.segments {
		if i, found := s.indexOf(seg.sequence); found {
			s.segments[i].repair(seg, logger)
			continue
		}

		if n := len(s.segments); n > 0 {
			last := s.segments[n-1].sequence
			if seg.sequence < last {
				logger.Warn().
					Str(log.FieldEvent, evSequenceRegressed).
					Str(log.FieldPlaylist, s.url).
					Int64(log.FieldSequence, seg.sequence).
					Int64("last", last).
					Msg("dropping segment older than the known window")
				continue
			}
			if seg.sequence != last+1 {
				logger.Error().
					Str(log.FieldEvent, evSequenceGap).
					Str(log.FieldPlaylist, s.url).
					Int64("expected", last+1).
					Int64("got", seg.sequence).
					Msg("gap in media sequence")
			}
		}
		if s.bandwidth > 0 {
			seg.size = int64(seg.duration) * int64(s.bandwidth) / 8
		}
		s.segments = append(s.segments, seg)
		s.size = 0
		added++
	}
	return added
}

// repair overwrites metadata that changed for an already known sequence.
func (seg *Segment) repair(from *Segment, logger zerolog.Logger) {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	if seg.duration != from.duration || seg.url != from.url {
		logger.Warn().
			Str(log.FieldEvent, evMetadataRepaired).
			Int64(log.FieldSequence, seg.sequence).
			Int("old_duration", seg.duration).
			Int("new_duration", from.duration).
			Str("old_url", seg.url).
			Str("new_url", from.url).
			Msg("segment metadata changed across reload")
		seg.duration, seg.url = from.duration, from.url
	}
	if seg.keyURL != from.keyURL || seg.iv != from.iv || seg.explicitIV != from.explicitIV {
		if seg.keyURL != from.keyURL {
			seg.keyLoaded = false
			seg.key = [16]byte{}
		}
		seg.keyURL, seg.iv, seg.explicitIV = from.keyURL, from.iv, from.explicitIV
	}
}
