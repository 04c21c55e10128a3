// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build windows

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// openOutput writes straight to path; renameio has no atomic replace on Windows.
func openOutput(path string, stdout io.Writer, logger zerolog.Logger) (output, error) {
	if path == "" || path == "-" {
		return stdoutOutput(stdout), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return output{}, fmt.Errorf("create output file: %w", err)
	}
	closed := false
	return output{
		w: f,
		commit: func() error {
			closed = true
			return f.Close()
		},
		cleanup: func() {
			if closed {
				return
			}
			if err := f.Close(); err != nil {
				logger.Debug().Err(err).Msg("close output file")
			}
		},
	}, nil
}
