// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"errors"
	"fmt"

	"github.com/ManuGH/hlsingest/internal/fetch"
)

var (
	// Open-time failures.
	ErrNotHLSFormat      = errors.New("hls: not an M3U8 playlist")
	ErrMissingBandwidth  = errors.New("hls: EXT-X-STREAM-INF without BANDWIDTH")
	ErrNoPlayableStreams = errors.New("hls: no playable streams")
	ErrMissingKeyURI     = errors.New("hls: AES-128 key without URI")
	ErrInvalidIV         = errors.New("hls: invalid IV")

	// ErrOpen wraps every failure to open a playlist, segment or key URL.
	ErrOpen = fetch.ErrOpen

	// Key and decrypt failures.
	ErrBadKeySize          = errors.New("hls: key is not 16 bytes")
	ErrBadPadding          = errors.New("hls: bad PKCS#7 padding")
	ErrBadCiphertextLength = errors.New("hls: ciphertext is not a multiple of the block size")
	ErrKeyChanged          = errors.New("hls: key URL kept changing while loading")

	// Consumer-side failures.
	ErrTooCloseToEnd    = errors.New("hls: seek target too close to end")
	ErrSeekNotAllowed   = errors.New("hls: seek not allowed")
	ErrReadTimeout      = errors.New("hls: read timed out waiting for segment")
	ErrClosed           = errors.New("hls: engine closed")
	ErrUnsupportedQuery = errors.New("hls: unsupported control query")
)

// ParseError locates a fatal playlist error.
type ParseError struct {
	Line int
	Tag  string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("hls: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("hls: line %d (%s): %v", e.Line, e.Tag, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FetchError reports a failed playlist, segment or key retrieval. Status is
// the HTTP status when the origin answered with one.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hls: fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("hls: fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func newFetchError(url string, err error) *FetchError {
	fe := &FetchError{URL: url, Err: err}
	var se *fetch.StatusError
	if errors.As(err, &se) {
		fe.Status = se.StatusCode
	}
	return fe
}
