// SPDX-License-Identifier: MIT
package telemetry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func lookup(t *testing.T, attrs []attribute.KeyValue, key string) attribute.Value {
	t.Helper()
	for _, a := range attrs {
		if string(a.Key) == key {
			return a.Value
		}
	}
	require.Failf(t, "attribute not found", "key %s", key)
	return attribute.Value{}
}

func TestPlaylistAttributes(t *testing.T) {
	attrs := PlaylistAttributes("http://origin/live.m3u8", true, 3)
	require.Len(t, attrs, 3)
	assert.Equal(t, "http://origin/live.m3u8", lookup(t, attrs, PlaylistURLKey).AsString())
	assert.True(t, lookup(t, attrs, PlaylistLiveKey).AsBool())
	assert.Equal(t, int64(3), lookup(t, attrs, RenditionsKey).AsInt64())
}

func TestSegmentAttributes(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantLen int
	}{
		{name: "with url", url: "http://origin/seg42.ts", wantLen: 5},
		{name: "without url", url: "", wantLen: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := SegmentAttributes(1, 800000, 42, tt.url, true)
			assert.Len(t, attrs, tt.wantLen)
			assert.Equal(t, int64(42), lookup(t, attrs, SegmentSeqKey).AsInt64())
			assert.Equal(t, int64(800000), lookup(t, attrs, BandwidthKey).AsInt64())
			assert.True(t, lookup(t, attrs, SegmentCryptKey).AsBool())
		})
	}
}

func TestErrorAttributes(t *testing.T) {
	attrs := ErrorAttributes(errors.New("boom"), "decrypt")
	require.Len(t, attrs, 2)
	assert.True(t, lookup(t, attrs, ErrorKey).AsBool())
	assert.Equal(t, "decrypt", lookup(t, attrs, ErrorTypeKey).AsString())
}
