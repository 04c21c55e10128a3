// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldRequestID     = "request_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldState     = "state"

	// Playlist / rendition fields
	FieldURL        = "url"
	FieldPlaylist   = "playlist_url"
	FieldStream     = "stream"
	FieldProgramID  = "program_id"
	FieldBandwidth  = "bandwidth_bps"
	FieldVersion    = "version"
	FieldLive       = "live"
	FieldRenditions = "renditions"

	// Segment fields
	FieldSegment  = "segment"
	FieldSequence = "sequence"
	FieldDuration = "duration_s"
	FieldBytes    = "bytes"
	FieldKeyURL   = "key_url"

	// Throughput fields
	FieldMeasuredBPS = "measured_bps"
	FieldElapsed     = "elapsed"
)
