// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hls

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/hlsingest/internal/fetch"
	"github.com/ManuGH/hlsingest/internal/log"
)

const (
	tagHeader         = "#EXTM3U"
	tagVersion        = "#EXT-X-VERSION:"
	tagTargetDuration = "#EXT-X-TARGETDURATION:"
	tagMediaSequence  = "#EXT-X-MEDIA-SEQUENCE:"
	tagKey            = "#EXT-X-KEY:"
	tagStreamInf      = "#EXT-X-STREAM-INF:"
	tagAllowCache     = "#EXT-X-ALLOW-CACHE:"
	tagInf            = "#EXTINF:"
	tagEndList        = "#EXT-X-ENDLIST"
)

// maxPlaylistBytes caps a single playlist body.
const maxPlaylistBytes = 8 << 20

var attrPattern = regexp.MustCompile(`([A-Z0-9-]+)=("[^"]*"|[^",]*)`)

// parser turns M3U8 text into Streams. Child playlists of a master are
// fetched through fetcher, at most childLimit at a time.
type parser struct {
	fetcher    fetch.Fetcher
	log        zerolog.Logger
	childLimit int
}

// parse reads a top-level playlist into st, which must not be shared yet.
func (p *parser) parse(ctx context.Context, data []byte, playlistURL string, st *Store) error {
	lines := splitLines(data)
	if !isM3U8(lines) {
		return ErrNotHLSFormat
	}

	if hasTag(lines, tagStreamInf) {
		streams, live, err := p.parseMaster(ctx, lines, playlistURL)
		if err != nil {
			return err
		}
		st.mu.Lock()
		st.streams, st.live, st.meta = streams, live, true
		st.mu.Unlock()
		return nil
	}

	s := newStream(0, 0, playlistURL)
	ended, err := p.parseMedia(lines, p.version(lines, playlistURL), playlistURL, s)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.streams, st.live, st.meta = []*Stream{s}, !ended, false
	st.mu.Unlock()
	return nil
}

type variant struct {
	programID int
	bandwidth int
	url       string
}

func (p *parser) parseMaster(ctx context.Context, lines []string, playlistURL string) ([]*Stream, bool, error) {
	var variants []variant
	for i := 1; i < len(lines); i++ {
		rest, ok := strings.CutPrefix(strings.TrimSpace(lines[i]), tagStreamInf)
		if !ok {
			continue
		}
		attrs := parseAttributes(rest)
		programID, _ := strconv.Atoi(attrs["PROGRAM-ID"])
		bandwidth, _ := strconv.Atoi(attrs["BANDWIDTH"])
		if bandwidth <= 0 {
			return nil, false, &ParseError{Line: i + 1, Tag: "EXT-X-STREAM-INF", Err: ErrMissingBandwidth}
		}

		uri := ""
		for j := i + 1; j < len(lines); j++ {
			l := strings.TrimSpace(lines[j])
			if l == "" || strings.HasPrefix(l, "#") {
				continue
			}
			uri, i = l, j
			break
		}
		if uri == "" {
			p.log.Warn().Str(log.FieldEvent, evVariantWithoutURI).Int("line", i+1).Msg("stream-inf without uri")
			continue
		}
		variants = append(variants, variant{programID: programID, bandwidth: bandwidth, url: resolveURL(playlistURL, uri)})
	}
	if len(variants) == 0 {
		return nil, false, ErrNoPlayableStreams
	}

	streams := make([]*Stream, len(variants))
	ended := make([]bool, len(variants))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(p.childLimit, 1))
	for i, v := range variants {
		g.Go(func() error {
			s, end, err := p.loadChild(gctx, v)
			if err != nil {
				var pe *ParseError
				if errors.As(err, &pe) {
					return fmt.Errorf("rendition %s: %w", v.url, err)
				}
				p.log.Warn().Err(err).
					Str(log.FieldEvent, evRenditionDropped).
					Str(log.FieldPlaylist, v.url).
					Int(log.FieldBandwidth, v.bandwidth).
					Msg("rendition dropped")
				return nil
			}
			streams[i], ended[i] = s, end
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	out := make([]*Stream, 0, len(streams))
	live := false
	for i, s := range streams {
		if s == nil {
			continue
		}
		out = append(out, s)
		live = live || !ended[i]
	}
	if len(out) == 0 {
		return nil, false, ErrNoPlayableStreams
	}
	return out, live, nil
}

func (p *parser) loadChild(ctx context.Context, v variant) (*Stream, bool, error) {
	data, err := readPlaylist(ctx, p.fetcher, v.url)
	if err != nil {
		return nil, false, err
	}
	lines := splitLines(data)
	if !isM3U8(lines) {
		return nil, false, ErrNotHLSFormat
	}
	s := newStream(v.programID, v.bandwidth, v.url)
	ended, err := p.parseMedia(lines, p.version(lines, v.url), v.url, s)
	if err != nil {
		return nil, false, err
	}
	return s, ended, nil
}

// parseMedia fills s from a media playlist and reports whether it carried
// the end-list tag. s must not be shared yet.
func (p *parser) parseMedia(lines []string, version int, playlistURL string, s *Stream) (bool, error) {
	s.version = version
	var (
		ended      bool
		count      int64
		pending    bool
		duration   int
		targetSeen bool
	)
	for i := 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		switch {
		case line == "":
		case strings.HasPrefix(line, tagTargetDuration):
			if targetSeen {
				continue
			}
			v, err := strconv.Atoi(strings.TrimSpace(line[len(tagTargetDuration):]))
			if err != nil || v < 0 {
				return false, &ParseError{Line: i + 1, Tag: "EXT-X-TARGETDURATION", Err: fmt.Errorf("invalid value %q", line)}
			}
			s.targetDuration, targetSeen = v, true
		case strings.HasPrefix(line, tagMediaSequence):
			v, err := strconv.ParseInt(strings.TrimSpace(line[len(tagMediaSequence):]), 10, 64)
			if err != nil || v < 0 {
				return false, &ParseError{Line: i + 1, Tag: "EXT-X-MEDIA-SEQUENCE", Err: fmt.Errorf("invalid value %q", line)}
			}
			if s.haveMediaSeq {
				p.log.Warn().
					Str(log.FieldEvent, evDuplicateMediaSequence).
					Str(log.FieldPlaylist, playlistURL).
					Int64("ignored", v).
					Msg("duplicate media sequence")
				continue
			}
			s.mediaSequence, s.haveMediaSeq = v, true
		case strings.HasPrefix(line, tagKey):
			if err := p.parseKey(line[len(tagKey):], playlistURL, s); err != nil {
				return false, &ParseError{Line: i + 1, Tag: "EXT-X-KEY", Err: err}
			}
		case strings.HasPrefix(line, tagAllowCache):
			s.allowCache = !strings.EqualFold(strings.TrimSpace(line[len(tagAllowCache):]), "NO")
		case strings.HasPrefix(line, tagInf):
			d, err := parseSegmentDuration(line[len(tagInf):], version)
			if err != nil {
				return false, &ParseError{Line: i + 1, Tag: "EXTINF", Err: err}
			}
			duration, pending = d, true
		case line == tagEndList:
			ended = true
		case strings.HasPrefix(line, "#"):
			// VERSION, DISCONTINUITY, PROGRAM-DATE-TIME and unknown tags.
		default:
			if !pending {
				p.log.Warn().Str(log.FieldEvent, evURIWithoutInf).Int("line", i+1).Msg("segment uri without EXTINF")
				continue
			}
			seg := &Segment{
				sequence:   s.mediaSequence + count,
				duration:   duration,
				url:        resolveURL(playlistURL, line),
				keyURL:     s.keyURL,
				iv:         s.iv,
				explicitIV: s.explicitIV,
			}
			if s.bandwidth > 0 {
				seg.size = int64(duration) * int64(s.bandwidth) / 8
			}
			s.segments = append(s.segments, seg)
			count++
			pending = false
		}
	}
	return ended, nil
}

func (p *parser) parseKey(rest, playlistURL string, s *Stream) error {
	attrs := parseAttributes(rest)
	uri := attrs["URI"]
	iv, hasIV := attrs["IV"]

	switch method := attrs["METHOD"]; method {
	case "NONE":
		if uri != "" || hasIV {
			p.log.Error().
				Str(log.FieldEvent, evKeyNoneWithAttributes).
				Str(log.FieldPlaylist, playlistURL).
				Msg("METHOD=NONE must not carry URI or IV")
		}
		s.keyURL, s.iv, s.explicitIV = "", [16]byte{}, false
	case "AES-128":
		if uri == "" {
			return ErrMissingKeyURI
		}
		s.keyURL = resolveURL(playlistURL, uri)
		s.iv, s.explicitIV = [16]byte{}, false
		if hasIV {
			v, err := parseIV(iv)
			if err != nil {
				return err
			}
			s.iv, s.explicitIV = v, true
		}
	default:
		p.log.Warn().
			Str(log.FieldEvent, evKeyMethodUnsupported).
			Str(log.FieldPlaylist, playlistURL).
			Str("method", method).
			Msg("unsupported key method, rendition will not decrypt")
		s.unsupported = true
		s.keyURL, s.explicitIV = "", false
	}
	return nil
}

func (p *parser) version(lines []string, playlistURL string) int {
	for _, l := range lines {
		rest, ok := strings.CutPrefix(strings.TrimSpace(l), tagVersion)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			p.log.Warn().Str(log.FieldEvent, evVersionOutOfRange).Str("value", rest).Msg("unparsable version, assuming 1")
			return 1
		}
		if v < 1 || v > 3 {
			p.log.Warn().
				Str(log.FieldEvent, evVersionOutOfRange).
				Str(log.FieldPlaylist, playlistURL).
				Int(log.FieldVersion, v).
				Msg("protocol version out of range")
		}
		return v
	}
	return 1
}

// splitLines cuts the buffer at the first NUL and splits on LF, dropping CR.
func splitLines(data []byte) []string {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	lines := strings.Split(string(data), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func isM3U8(lines []string) bool {
	return len(lines) > 0 && strings.HasPrefix(strings.TrimPrefix(lines[0], "\ufeff"), tagHeader)
}

func hasTag(lines []string, tag string) bool {
	for _, l := range lines {
		if strings.HasPrefix(strings.TrimSpace(l), tag) {
			return true
		}
	}
	return false
}

// parseAttributes decodes KEY=VALUE pairs, unquoting quoted values.
func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for _, m := range attrPattern.FindAllStringSubmatch(s, -1) {
		attrs[m[1]] = strings.Trim(m[2], `"`)
	}
	return attrs
}

// parseSegmentDuration reads an EXTINF value. Before version 3 durations are
// integers; from version 3 they are decimals rounded half up.
func parseSegmentDuration(rest string, version int) (int, error) {
	value, _, _ := strings.Cut(rest, ",")
	value = strings.TrimSpace(value)
	if version < 3 {
		end := 0
		for end < len(value) && value[end] >= '0' && value[end] <= '9' {
			end++
		}
		if end == 0 {
			return 0, fmt.Errorf("invalid duration %q", value)
		}
		return strconv.Atoi(value[:end])
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil || f < 0 || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	return int(math.Floor(f + 0.5)), nil
}

// parseIV decodes a 0x-prefixed hex IV of up to 32 digits, left padding
// short values with zeros.
func parseIV(s string) ([16]byte, error) {
	var iv [16]byte
	digits, ok := strings.CutPrefix(s, "0x")
	if !ok {
		digits, ok = strings.CutPrefix(s, "0X")
	}
	if !ok || len(digits) == 0 || len(digits) > 32 {
		return iv, fmt.Errorf("%w: %q", ErrInvalidIV, s)
	}
	b, err := hex.DecodeString(strings.Repeat("0", 32-len(digits)) + digits)
	if err != nil {
		return iv, fmt.Errorf("%w: %q", ErrInvalidIV, s)
	}
	copy(iv[:], b)
	return iv, nil
}
