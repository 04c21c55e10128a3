// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

//go:build !windows

package main

import (
	"fmt"
	"io"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// openOutput returns stdout for "-" and otherwise a pending file that only
// replaces path once the capture is committed.
func openOutput(path string, stdout io.Writer, logger zerolog.Logger) (output, error) {
	if path == "" || path == "-" {
		return stdoutOutput(stdout), nil
	}
	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return output{}, fmt.Errorf("create pending output file: %w", err)
	}
	return output{
		w: pendingFile,
		commit: func() error {
			if err := pendingFile.CloseAtomicallyReplace(); err != nil {
				return fmt.Errorf("atomically replace output file: %w", err)
			}
			return nil
		},
		cleanup: func() {
			if err := pendingFile.Cleanup(); err != nil {
				logger.Debug().Err(err).Msg("cleanup pending output file")
			}
		},
	}, nil
}
