// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"net/url"
	"strings"
)

// resolveURL joins ref against the playlist URL it was found in. Absolute
// references pass through, "/path" replaces everything after the host and
// each "../" pops one directory.
func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return base
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if r.Scheme != "" {
		return ref
	}
	b, err := url.Parse(base)
	if err != nil || b.Scheme == "" {
		return ref
	}
	return b.ResolveReference(r).String()
}
