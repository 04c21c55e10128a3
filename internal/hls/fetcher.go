// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ManuGH/hlsingest/internal/fetch"
	"github.com/ManuGH/hlsingest/internal/log"
)

// defaultSegmentAlloc sizes the first buffer when neither the origin nor the
// playlist gives a size.
const defaultSegmentAlloc = 256 << 10

// Fetcher is the collaborator used for playlists, segments and keys.
type Fetcher = fetch.Fetcher

func openURL(ctx context.Context, f fetch.Fetcher, url string) (fetch.Handle, error) {
	h, err := f.Open(ctx, url)
	if err != nil {
		if !errors.Is(err, ErrOpen) {
			err = fmt.Errorf("%w: %w", ErrOpen, err)
		}
		return nil, newFetchError(url, err)
	}
	return h, nil
}

func readPlaylist(ctx context.Context, f fetch.Fetcher, url string) ([]byte, error) {
	h, err := openURL(ctx, f, url)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	data, err := fetch.ReadAll(h, maxPlaylistBytes)
	if err != nil {
		return nil, newFetchError(url, err)
	}
	return data, nil
}

// fetchSegment downloads url into a fresh buffer. The buffer follows the
// origin's size estimate, which may grow while the body is streamed.
func fetchSegment(ctx context.Context, f fetch.Fetcher, url string, hint int64, logger zerolog.Logger) ([]byte, error) {
	h, err := openURL(ctx, f, url)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	size := h.Size()
	if size <= 0 {
		size = hint
	}
	if size <= 0 {
		size = defaultSegmentAlloc
	}
	buf := make([]byte, 0, size)

	for {
		if reported := h.Size(); reported > int64(cap(buf)) {
			logger.Debug().
				Str(log.FieldEvent, evSizeGrew).
				Str(log.FieldURL, url).
				Int64("from", int64(cap(buf))).
				Int64("to", reported).
				Msg("origin revised segment size")
			grown := make([]byte, len(buf), reported)
			copy(grown, buf)
			buf = grown
		}
		if len(buf) == cap(buf) {
			buf = append(buf, 0)[:len(buf)]
		}

		n, err := h.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			return buf, nil
		}
		if err != nil {
			return nil, newFetchError(url, err)
		}
	}
}
