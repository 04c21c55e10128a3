package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentDownloadDuration tracks fetch + decrypt time for one media segment.
	SegmentDownloadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hlsingest_segment_download_duration_seconds",
		Help:    "Time taken to download and decrypt a media segment",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13, 20},
	}, []string{"live", "encrypted"})

	segmentBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsingest_segment_bytes_total",
		Help: "Total plaintext bytes of media segments downloaded",
	}, []string{"live"})

	segmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsingest_segment_failures_total",
		Help: "Total media segment failures by stage",
	}, []string{"stage"})

	measuredBandwidth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hlsingest_measured_bandwidth_bps",
		Help: "Smoothed measured download bandwidth in bits per second",
	})

	renditionSwitches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsingest_rendition_switches_total",
		Help: "Total rendition switches by side (download or playback)",
	}, []string{"side"})

	readStalls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsingest_read_stalls_total",
		Help: "Total reads that timed out waiting for a segment",
	})

	playlistReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsingest_playlist_reloads_total",
		Help: "Total live playlist reloads by result",
	}, []string{"result"})

	keyFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsingest_key_fetches_total",
		Help: "Total AES-128 key resolutions by source",
	}, []string{"source"})
)

// Segment failure stages.
const (
	StageFetch   = "fetch"
	StageKey     = "key"
	StageDecrypt = "decrypt"
)

// Playlist reload results.
const (
	ReloadUpdated     = "updated"
	ReloadUnchanged   = "unchanged"
	ReloadFailed      = "failed"
	ReloadCircuitOpen = "circuit_open"
	ReloadEnded       = "ended"
)

// ObserveSegmentDownload records a completed segment download.
func ObserveSegmentDownload(live, encrypted bool, bytes int, d time.Duration) {
	l := strconv.FormatBool(live)
	SegmentDownloadDuration.WithLabelValues(l, strconv.FormatBool(encrypted)).Observe(d.Seconds())
	segmentBytes.WithLabelValues(l).Add(float64(bytes))
}

// IncSegmentFailure records a segment failure at the given stage.
func IncSegmentFailure(stage string) {
	switch stage {
	case StageFetch, StageKey, StageDecrypt:
	default:
		stage = "unknown"
	}
	segmentFailures.WithLabelValues(stage).Inc()
}

// SetMeasuredBandwidth publishes the smoothed bandwidth estimate.
func SetMeasuredBandwidth(bps float64) {
	measuredBandwidth.Set(bps)
}

// IncRenditionSwitch records a rendition switch. side is "download" or "playback".
func IncRenditionSwitch(side string) {
	renditionSwitches.WithLabelValues(side).Inc()
}

// IncReadStall records a read timeout.
func IncReadStall() {
	readStalls.Inc()
}

// IncPlaylistReload records the outcome of a live reload.
func IncPlaylistReload(result string) {
	playlistReloads.WithLabelValues(result).Inc()
}

// IncKeyFetch records a key resolution. source is "network" or "reused".
func IncKeyFetch(source string) {
	keyFetches.WithLabelValues(source).Inc()
}
