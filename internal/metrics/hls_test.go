package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	h, ok := o.(prometheus.Histogram)
	require.True(t, ok, "observer is not a prometheus.Histogram")
	m := &dto.Metric{}
	require.NoError(t, h.Write(m))
	return m.GetHistogram().GetSampleCount()
}

func TestObserveSegmentDownload(t *testing.T) {
	hist := SegmentDownloadDuration.WithLabelValues("false", "true")
	before := histogramCount(t, hist)
	bytesBefore := counterValue(t, segmentBytes.WithLabelValues("false"))

	ObserveSegmentDownload(false, true, 1024, 250*time.Millisecond)

	assert.Equal(t, before+1, histogramCount(t, hist))
	assert.Equal(t, bytesBefore+1024, counterValue(t, segmentBytes.WithLabelValues("false")))
}

func TestIncSegmentFailure_NormalizesStage(t *testing.T) {
	before := counterValue(t, segmentFailures.WithLabelValues("unknown"))
	IncSegmentFailure("something_new")
	assert.Equal(t, before+1, counterValue(t, segmentFailures.WithLabelValues("unknown")))

	decBefore := counterValue(t, segmentFailures.WithLabelValues(StageDecrypt))
	IncSegmentFailure(StageDecrypt)
	assert.Equal(t, decBefore+1, counterValue(t, segmentFailures.WithLabelValues(StageDecrypt)))
}

func TestSetMeasuredBandwidth(t *testing.T) {
	SetMeasuredBandwidth(1_500_000)
	assert.InDelta(t, 1_500_000, gaugeValue(t, measuredBandwidth), 0.1)
}

func TestCircuitBreakerStateIsOneHot(t *testing.T) {
	SetCircuitBreakerState("test_component", "open")
	assert.Equal(t, 1.0, gaugeValue(t, circuitBreakerState.WithLabelValues("test_component", "open")))
	assert.Equal(t, 0.0, gaugeValue(t, circuitBreakerState.WithLabelValues("test_component", "closed")))
	assert.Equal(t, 0.0, gaugeValue(t, circuitBreakerState.WithLabelValues("test_component", "half-open")))
}

func TestMetricsExposedViaPromhttp(t *testing.T) {
	IncReadStall()
	IncPlaylistReload(ReloadUpdated)
	IncRenditionSwitch("download")
	IncKeyFetch("network")

	rec := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, name := range []string{
		"hlsingest_read_stalls_total",
		"hlsingest_playlist_reloads_total",
		"hlsingest_rendition_switches_total",
		"hlsingest_key_fetches_total",
	} {
		assert.True(t, strings.Contains(body, name), "missing %s", name)
	}
}
