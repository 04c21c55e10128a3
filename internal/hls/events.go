// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

// Log event names for recoverable anomalies.
const (
	evVersionOutOfRange      = "playlist.version_out_of_range"
	evDuplicateMediaSequence = "playlist.duplicate_media_sequence"
	evSequenceGap            = "playlist.sequence_gap"
	evSequenceRegressed      = "playlist.sequence_regressed"
	evURIWithoutInf          = "playlist.uri_without_extinf"
	evVariantWithoutURI      = "playlist.variant_without_uri"
	evRenditionDropped       = "playlist.rendition_dropped"
	evRenditionAdded         = "playlist.rendition_added"
	evEndList                = "playlist.endlist"
	evReloadFailed           = "playlist.reload_failed"
	evMetadataRepaired       = "segment.metadata_repaired"
	evFetchFailed            = "segment.fetch_failed"
	evSizeGrew               = "segment.size_grew"
	evStallRisk              = "segment.stall_risk"
	evUndecryptable          = "segment.undecryptable"
	evKeyNoneWithAttributes  = "key.none_with_attributes"
	evKeyMethodUnsupported   = "key.method_unsupported"
	evRenditionSwitch        = "rendition.switch"
	evReadStall              = "read.stall"
)
