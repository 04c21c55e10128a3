// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by ingest spans.
const (
	PlaylistURLKey   = "hls.playlist.url"
	PlaylistLiveKey  = "hls.playlist.live"
	RenditionsKey    = "hls.renditions"
	ProgramIDKey     = "hls.program_id"
	BandwidthKey     = "hls.bandwidth_bps"
	SegmentSeqKey    = "hls.segment.sequence"
	SegmentURLKey    = "hls.segment.url"
	SegmentBytesKey  = "hls.segment.bytes"
	SegmentCryptKey  = "hls.segment.encrypted"
	MeasuredBPSKey   = "hls.measured_bps"
	ReloadResultKey  = "hls.reload.result"
	ReloadSegmentKey = "hls.reload.new_segments"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// PlaylistAttributes describes an opened playlist.
func PlaylistAttributes(url string, live bool, renditions int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(PlaylistURLKey, url),
		attribute.Bool(PlaylistLiveKey, live),
		attribute.Int(RenditionsKey, renditions),
	}
}

// SegmentAttributes describes a segment download. url is omitted when empty.
func SegmentAttributes(programID, bandwidth int, sequence int64, url string, encrypted bool) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 5)
	attrs = append(attrs,
		attribute.Int(ProgramIDKey, programID),
		attribute.Int(BandwidthKey, bandwidth),
		attribute.Int64(SegmentSeqKey, sequence),
		attribute.Bool(SegmentCryptKey, encrypted),
	)
	if url != "" {
		attrs = append(attrs, attribute.String(SegmentURLKey, url))
	}
	return attrs
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
