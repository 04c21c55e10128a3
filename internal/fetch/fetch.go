// SPDX-License-Identifier: MIT

// Package fetch is the byte-stream collaborator used by the ingest engine to
// retrieve playlists, media segments and AES keys.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrOpen marks a failure to open a resource (connect, DNS, non-2xx status).
var ErrOpen = errors.New("open failed")

// ErrTooLarge is returned by ReadAll when a body exceeds its limit.
var ErrTooLarge = errors.New("body exceeds limit")

// Handle is an open resource. Size may change between reads when the origin
// revises its estimate for an in-progress segment.
type Handle interface {
	io.ReadCloser
	Size() int64
}

// Fetcher opens resources by absolute URL.
type Fetcher interface {
	Open(ctx context.Context, url string) (Handle, error)
}

// StatusError reports a non-2xx HTTP status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.StatusCode)
}

func (e *StatusError) Unwrap() error { return ErrOpen }

// ReadAll drains h. A positive limit caps the body size.
func ReadAll(h Handle, limit int64) ([]byte, error) {
	var r io.Reader = h
	if limit > 0 {
		r = io.LimitReader(h, limit+1)
	}
	hint := h.Size()
	if hint <= 0 || hint > 1<<20 {
		hint = 512
	}
	buf := make([]byte, 0, hint)
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}
		n, err := r.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if limit > 0 && int64(len(buf)) > limit {
			return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, limit)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return buf, err
		}
	}
}
