// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"sync"
	"time"

	"github.com/ManuGH/hlsingest/internal/metrics"
)

const ewmaAlpha = 0.3

// bandwidthEstimator turns downloads into bits/s and keeps a smoothed figure
// for reporting. Rendition picks use the instantaneous value.
type bandwidthEstimator struct {
	mu      sync.Mutex
	ewma    float64
	last    int
	samples int
}

// observe records a download and returns its instantaneous bits/s.
func (b *bandwidthEstimator) observe(bytes int, elapsed time.Duration) int {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	bps := int(float64(bytes) * 8 / elapsed.Seconds())

	b.mu.Lock()
	if b.samples == 0 {
		b.ewma = float64(bps)
	} else {
		b.ewma = ewmaAlpha*float64(bps) + (1-ewmaAlpha)*b.ewma
	}
	b.samples++
	b.last = bps
	smoothed := b.ewma
	b.mu.Unlock()

	metrics.SetMeasuredBandwidth(smoothed)
	return bps
}

// rolling returns the smoothed and latest measurements.
func (b *bandwidthEstimator) rolling() (smoothed float64, last int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ewma, b.last
}

// pickRendition returns the index of the highest-bandwidth stream of
// programID whose bandwidth does not exceed bps. Ties keep the first stream.
// Streams with an unsupported key method are never picked.
func pickRendition(programID, bps int, streams []*Stream) (int, bool) {
	best, bestBW := -1, -1
	for i, s := range streams {
		s.mu.Lock()
		pid, bw, unsupported := s.programID, s.bandwidth, s.unsupported
		s.mu.Unlock()
		if pid != programID || unsupported || bw > bps {
			continue
		}
		if bw > bestBW {
			best, bestBW = i, bw
		}
	}
	return best, best >= 0
}
