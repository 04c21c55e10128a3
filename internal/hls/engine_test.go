package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/hlsingest/internal/fetch/fake"
)

const playlistURL = origin + "/index.m3u8"

func openEngine(t *testing.T, f *fake.Fetcher, url string, mutate ...func(*Options)) *Engine {
	t.Helper()
	opts := testOptions(f)
	for _, m := range mutate {
		m(&opts)
	}
	e, err := Open(context.Background(), url, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngine_VODReadsToEOF(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 8, 10, true))
	want := serveSegments(f, origin, 0, 8, 1500)

	e := openEngine(t, f, playlistURL)
	defer e.Close()

	got, err := io.ReadAll(e)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, uint64(len(want)), e.Position())

	n, err := e.Read(make([]byte, 16))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestEngine_DecryptsAES128(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(40, 4, 10, true, `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`))
	f.SetBody(origin+"/key.bin", testKey[:])

	var want []byte
	for seq := 40; seq < 44; seq++ {
		plain := segmentBody(seq, 1000+seq)
		want = append(want, plain...)
		f.SetBody(fmt.Sprintf("%s/seg%d.ts", origin, seq), pkcs7Encrypt(t, plain, testKey, deriveIV(int64(seq))))
	}

	e := openEngine(t, f, playlistURL)
	defer e.Close()

	got, err := io.ReadAll(e)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, f.Opens(origin+"/key.bin"), "adjacent segments reuse the key")
}

func TestEngine_WrongKeyStopsVOD(t *testing.T) {
	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 3, 10, true, `#EXT-X-KEY:METHOD=AES-128,URI="key.bin"`))
	f.SetBody(origin+"/key.bin", testKey[:])
	f.SetBody(origin+"/seg0.ts", pkcs7Encrypt(t, segmentBody(0, 64), testKey, deriveIV(0)))
	f.SetBody(origin+"/seg1.ts", make([]byte, 33))

	e := openEngine(t, f, playlistURL)

	got, err := io.ReadAll(e)
	assert.Equal(t, segmentBody(0, 64), got)
	assert.ErrorIs(t, err, ErrBadCiphertextLength)
	assert.Contains(t, e.Stats().Error, "block size")
}

func TestEngine_VODFetchFailureSurfacesAfterBufferedData(t *testing.T) {
	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 4, 10, true))
	want := serveSegments(f, origin, 0, 2, 500)

	e := openEngine(t, f, playlistURL)

	got, err := io.ReadAll(e)
	assert.Equal(t, want, got)
	assert.ErrorIs(t, err, ErrOpen)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, origin+"/seg2.ts", fe.URL)
	assert.Equal(t, 404, fe.Status)
}

func TestEngine_ReadTimeout(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 3, 10, true))
	first := segmentBody(0, 300)
	f.SetBody(origin+"/seg0.ts", first)
	never := make(chan struct{})
	f.Set(origin+"/seg1.ts", fake.Resource{Body: segmentBody(1, 300), Gate: never})

	e := openEngine(t, f, playlistURL, func(o *Options) { o.ReadTimeout = 100 * time.Millisecond })
	defer e.Close()

	buf := make([]byte, 4096)
	n, err := e.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, first, buf[:n], "a read returns what is buffered instead of blocking")

	for range 2 {
		start := time.Now()
		n, err = e.Read(buf)
		assert.Zero(t, n)
		assert.ErrorIs(t, err, ErrReadTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		_ = e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a stalled download")
	}

	_, err = e.Read(buf)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_WindowBoundsDownloads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 20, 10, true))
	want := serveSegments(f, origin, 0, 20, 1000)

	e := openEngine(t, f, playlistURL)
	defer e.Close()

	require.Eventually(t, func() bool {
		return e.Stats().DownloadSegment == DefaultWindowSegments
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, DefaultWindowSegments, e.Stats().DownloadSegment, "scheduler waits for playback")

	var got []byte
	buf := make([]byte, 400)
	for {
		n, err := e.Read(buf)
		got = append(got, buf[:n]...)
		st := e.Stats()
		lead := st.DownloadSegment - st.PlaybackSegment
		require.GreaterOrEqual(t, lead, 0)
		require.LessOrEqual(t, lead, DefaultWindowSegments)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}
	assert.Equal(t, want, got)
}

func TestEngine_Seek(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 5, 10, true))
	serveSegments(f, origin, 0, 5, 1000)

	e := openEngine(t, f, playlistURL)
	defer e.Close()

	bw := e.store.stream(0).bandwidthBPS()
	require.Positive(t, bw, "bandwidth is measured on the first download")
	segSize := uint64(10) * uint64(bw) / 8

	assert.ErrorIs(t, e.Seek(3*segSize), ErrTooCloseToEnd)
	assert.ErrorIs(t, e.Seek(4*segSize+1), ErrTooCloseToEnd)
	assert.ErrorIs(t, e.Seek(10*segSize), ErrTooCloseToEnd)

	require.NoError(t, e.Seek(segSize+segSize/2))
	assert.Equal(t, segSize, e.Position(), "position snaps to the segment start")
	st := e.Stats()
	assert.Equal(t, 1, st.PlaybackSegment)
	assert.GreaterOrEqual(t, st.DownloadSegment-st.PlaybackSegment, DefaultSeekLookahead)

	buf := make([]byte, 1000)
	_, err := io.ReadFull(e, buf)
	require.NoError(t, err)
	assert.Equal(t, segmentBody(1, 1000), buf)

	require.NoError(t, e.Seek(0))
	_, err = io.ReadFull(e, buf)
	require.NoError(t, err)
	assert.Equal(t, segmentBody(0, 1000), buf)
}

func TestSeekTarget(t *testing.T) {
	s := newStream(0, 800000, "vod")
	for i := range 5 {
		s.segments = append(s.segments, &Segment{sequence: int64(i), duration: 10})
	}
	const segSize = 10 * 800000 / 8

	tests := []struct {
		name      string
		pos       uint64
		wantIdx   int
		wantStart uint64
		wantErr   error
	}{
		{name: "first segment", pos: 0, wantIdx: 0, wantStart: 0},
		{name: "second segment", pos: segSize + 10, wantIdx: 1, wantStart: segSize},
		{name: "third segment leaves too few", pos: 2 * segSize, wantErr: ErrTooCloseToEnd},
		{name: "fourth segment", pos: 3 * segSize, wantErr: ErrTooCloseToEnd},
		{name: "last segment", pos: 4*segSize + 1, wantErr: ErrTooCloseToEnd},
		{name: "past the end", pos: 5 * segSize, wantErr: ErrTooCloseToEnd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, start, err := seekTarget(s, tt.pos, DefaultSeekLookahead)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantIdx, idx)
			assert.Equal(t, tt.wantStart, start)
		})
	}

	_, _, err := seekTarget(newStream(0, 0, "unmeasured"), 0, DefaultSeekLookahead)
	assert.ErrorIs(t, err, ErrSeekNotAllowed)
}

func TestEngine_LiveReloadUntilEndList(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 5, 1, false))
	serveSegments(f, origin, 0, 7, 200)

	e := openEngine(t, f, playlistURL)
	defer e.Close()

	st := e.Stats()
	assert.True(t, st.Live)
	assert.Equal(t, 2, st.PlaybackSegment, "playback starts three target durations from the edge")
	assert.Zero(t, e.Size())

	f.SetString(playlistURL, mediaPlaylist(2, 5, 1, true))

	got, err := io.ReadAll(e)
	require.NoError(t, err)

	var want []byte
	for seq := 2; seq < 7; seq++ {
		want = append(want, segmentBody(seq, 200)...)
	}
	assert.Equal(t, want, got)
	assert.False(t, e.Stats().Live)
	assert.Equal(t, 7, e.Stats().Renditions[0].Segments)
}

func TestEngine_LiveSkipsFailedSegment(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 5, 1, false))
	serveSegments(f, origin, 0, 6, 100)
	f.Remove(origin + "/seg3.ts")

	e := openEngine(t, f, playlistURL)
	defer e.Close()

	f.SetString(playlistURL, mediaPlaylist(1, 5, 1, true))

	got, err := io.ReadAll(e)
	require.NoError(t, err)
	want := append(append(segmentBody(2, 100), segmentBody(4, 100)...), segmentBody(5, 100)...)
	assert.Equal(t, want, got)
}

func TestEngine_MetaPlaylist(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(origin+"/master.m3u8", "#EXTM3U\n"+
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=500000\nlo/index.m3u8\n"+
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1200000\nhi/index.m3u8\n")
	f.SetString(origin+"/lo/index.m3u8", mediaPlaylist(0, 3, 10, true))
	f.SetString(origin+"/hi/index.m3u8", mediaPlaylist(0, 3, 10, true))
	for i := range 3 {
		f.SetBody(fmt.Sprintf("%s/lo/seg%d.ts", origin, i), bytes.Repeat([]byte("l"), 100))
		f.SetBody(fmt.Sprintf("%s/hi/seg%d.ts", origin, i), bytes.Repeat([]byte("h"), 100))
	}

	e := openEngine(t, f, origin+"/master.m3u8")
	defer e.Close()

	st := e.Stats()
	assert.True(t, st.Meta)
	require.Len(t, st.Renditions, 2)
	assert.Equal(t, 500000, st.Renditions[0].Bandwidth)
	assert.Equal(t, 1, st.PlaybackStream, "the highest rendition is picked first")
	assert.Equal(t, uint64(3*10*1200000/8), e.Size())

	got, err := io.ReadAll(e)
	require.NoError(t, err)
	assert.Len(t, got, 300)
}

func TestEngine_Peek(t *testing.T) {
	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 3, 10, true))
	want := serveSegments(f, origin, 0, 3, 100)

	e := openEngine(t, f, playlistURL)

	peeked, err := e.Peek(150)
	require.NoError(t, err)
	assert.Equal(t, want[:150], peeked)
	assert.Zero(t, e.Position(), "peek does not consume")

	short, err := e.Peek(40)
	require.NoError(t, err)
	assert.Equal(t, want[:40], short)

	buf := make([]byte, 150)
	_, err = io.ReadFull(e, buf)
	require.NoError(t, err)
	assert.Equal(t, want[:150], buf)

	rest, err := e.Peek(1000)
	require.NoError(t, err)
	assert.Equal(t, want[150:], rest, "peek stops at the end of the presentation")
}

func TestEngine_Control(t *testing.T) {
	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 6, 10, true))
	serveSegments(f, origin, 0, 6, 100)

	e := openEngine(t, f, playlistURL)

	for q, want := range map[Query]any{
		QueryCanSeek:     true,
		QueryCanPause:    true,
		QueryCanFastSeek: false,
		QueryGetPosition: uint64(0),
	} {
		got, err := e.Control(q, nil)
		require.NoError(t, err, q.String())
		assert.Equal(t, want, got, q.String())
	}

	size, err := e.Control(QueryGetSize, nil)
	require.NoError(t, err)
	assert.Equal(t, e.Size(), size)
	assert.Positive(t, e.Size())

	_, err = e.Control(QuerySetPauseState, true)
	require.NoError(t, err)
	assert.True(t, e.Stats().Paused)
	_, err = e.Control(QuerySetPauseState, false)
	require.NoError(t, err)
	assert.False(t, e.Stats().Paused)

	_, err = e.Control(QuerySetPauseState, "yes")
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = e.Control(QuerySetPosition, 12)
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	_, err = e.Control(Query(99), nil)
	assert.ErrorIs(t, err, ErrUnsupportedQuery)
	assert.Equal(t, "query(99)", Query(99).String())

	_, err = e.Control(QuerySetPosition, uint64(0))
	assert.NoError(t, err)
}

func TestEngine_PauseHoldsDownloads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 10, 10, true))
	want := serveSegments(f, origin, 0, 10, 100)

	e := openEngine(t, f, playlistURL, func(o *Options) { o.WindowSegments = 2 })
	defer e.Close()

	e.SetPaused(true)
	time.Sleep(50 * time.Millisecond)
	held := e.Stats().DownloadSegment

	buf := make([]byte, 100)
	for range held {
		_, err := io.ReadFull(e, buf)
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, held, e.Stats().DownloadSegment, "no downloads while paused")

	e.SetPaused(false)
	rest, err := io.ReadAll(e)
	require.NoError(t, err)
	assert.Equal(t, want[held*100:], rest)
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 3, 1, false))
	serveSegments(f, origin, 0, 3, 10)

	e, err := Open(context.Background(), playlistURL, testOptions(f))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Seek(0), ErrClosed)
}

func TestOpen_Errors(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(origin+"/html", "<html></html>")
	f.SetString(origin+"/nosegs.m3u8", mediaPlaylist(0, 0, 10, true))
	f.SetString(origin+"/broken.m3u8", mediaPlaylist(0, 2, 10, true))

	_, err := Open(context.Background(), origin+"/html", testOptions(f))
	assert.ErrorIs(t, err, ErrNotHLSFormat)

	_, err = Open(context.Background(), origin+"/missing.m3u8", testOptions(f))
	assert.ErrorIs(t, err, ErrOpen)

	_, err = Open(context.Background(), origin+"/nosegs.m3u8", testOptions(f))
	assert.ErrorIs(t, err, ErrNoPlayableStreams)

	_, err = Open(context.Background(), origin+"/broken.m3u8", testOptions(f))
	assert.ErrorIs(t, err, ErrOpen, "the first segment is fetched during open")

	_, err = Open(context.Background(), origin+"/html", Options{})
	assert.Error(t, err)
}

func TestLiveStart(t *testing.T) {
	s := newStream(0, 0, "live")
	s.targetDuration = 4
	for i := range 5 {
		s.segments = append(s.segments, &Segment{sequence: int64(i), duration: 4})
	}
	assert.Equal(t, 2, liveStart(s))

	s.segments = s.segments[:2]
	assert.Equal(t, 0, liveStart(s), "short playlists start at the first segment")
}

func TestLocate_PrefersReadyRendition(t *testing.T) {
	lo, hi := streamWith(500000, 0, 1), streamWith(900000, 0, 1)
	lo.segments[1].data = []byte("lo")
	e := &Engine{store: &Store{streams: []*Stream{lo, hi}}}

	seg, at, state := e.locate(1, 1)
	assert.Equal(t, segReady, state)
	assert.Equal(t, 0, at)
	assert.Same(t, lo.segments[1], seg)

	_, _, state = e.locate(1, 0)
	assert.Equal(t, segPending, state)

	hi.segments[0].skipped = true
	_, _, state = e.locate(1, 0)
	assert.Equal(t, segSkipped, state)

	_, _, state = e.locate(1, 2)
	assert.Equal(t, segEnd, state)
}

func TestLocate_OtherRenditionSkipped(t *testing.T) {
	lo, hi := streamWith(500000, 0, 1), streamWith(900000, 0, 1)
	lo.segments[0].skipped = true
	e := &Engine{store: &Store{streams: []*Stream{lo, hi}, live: true}}
	e.dl.seek = -1

	e.dl.segment = 0
	_, _, state := e.locate(1, 0)
	assert.Equal(t, segPending, state, "own copy is still ahead of the scheduler")

	e.dl.segment = 1
	_, _, state = e.locate(1, 0)
	assert.Equal(t, segSkipped, state, "scheduler moved on, nothing will deliver it")

	e.dl.seek = 0
	_, _, state = e.locate(1, 0)
	assert.Equal(t, segPending, state, "a pending seek refetches the segment")
}

func TestCanSeek_LiveBoundary(t *testing.T) {
	s := newStream(0, 0, "live")
	for i := range 10 {
		s.segments = append(s.segments, &Segment{sequence: int64(i), duration: 4})
	}
	e := &Engine{store: &Store{streams: []*Stream{s}, live: true}}

	tests := []struct {
		download int
		want     bool
	}{
		{download: 0, want: true},
		{download: 7, want: true},
		{download: 8, want: false},
		{download: 10, want: false},
	}
	for _, tt := range tests {
		e.dl.segment = tt.download
		assert.Equal(t, tt.want, e.CanSeek(), "download cursor %d of 10", tt.download)
	}

	e.store.setLive(false)
	e.dl.segment = 10
	assert.True(t, e.CanSeek(), "VOD is always seekable")
}

func TestEngine_LiveSeekNeedsBuffer(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 5, 1, false))
	serveSegments(f, origin, 0, 15, 100)

	e := openEngine(t, f, playlistURL)
	defer e.Close()

	require.Eventually(t, func() bool { return e.Stats().DownloadSegment == 5 },
		2*time.Second, 2*time.Millisecond)
	assert.False(t, e.CanSeek(), "download cursor sits on the live edge")
	got, err := e.Control(QueryCanSeek, nil)
	require.NoError(t, err)
	assert.Equal(t, false, got)
	assert.ErrorIs(t, e.Seek(0), ErrSeekNotAllowed)

	f.SetString(playlistURL, mediaPlaylist(0, 15, 1, false))
	require.Eventually(t, e.CanSeek, 5*time.Second, 5*time.Millisecond,
		"the window stops short of a longer playlist's edge")
}

func TestEngine_SwitchesRenditionOnSlowDownloads(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const segments, size = 8, 100
	f := fake.New()
	f.SetString(origin+"/master.m3u8", "#EXTM3U\n"+
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1000\nlo/index.m3u8\n"+
		"#EXT-X-STREAM-INF:PROGRAM-ID=1,BANDWIDTH=1200000\nhi/index.m3u8\n")
	f.SetString(origin+"/lo/index.m3u8", mediaPlaylist(0, segments, 10, true))
	f.SetString(origin+"/hi/index.m3u8", mediaPlaylist(0, segments, 10, true))
	for i := range segments {
		f.SetBody(fmt.Sprintf("%s/lo/seg%d.ts", origin, i), bytes.Repeat([]byte{byte('a' + i)}, size))
		f.Set(fmt.Sprintf("%s/hi/seg%d.ts", origin, i), fake.Resource{
			Body:  bytes.Repeat([]byte{byte('A' + i)}, size),
			Delay: 50 * time.Millisecond,
		})
	}

	e := openEngine(t, f, origin+"/master.m3u8")
	defer e.Close()
	require.Equal(t, 1, e.Stats().DownloadStream, "starts on the highest rendition")

	got, err := io.ReadAll(e)
	require.NoError(t, err)
	require.Len(t, got, segments*size, "every segment index is delivered exactly once")

	renditions := map[int]bool{}
	last := -1
	for i := range segments {
		chunk := got[i*size : (i+1)*size]
		switch chunk[0] {
		case byte('A' + i):
			renditions[1] = true
			last = 1
		case byte('a' + i):
			renditions[0] = true
			last = 0
		default:
			t.Fatalf("segment %d out of order: got %q", i, chunk[0])
		}
		assert.Equal(t, bytes.Repeat(chunk[:1], size), chunk, "segment %d mixes renditions", i)
	}
	assert.Equal(t, byte('A'), got[0], "the prefetched segment comes from the initial rendition")
	assert.True(t, renditions[0], "slow downloads move the scheduler to the low rendition")
	assert.True(t, renditions[1])
	assert.Equal(t, last, e.Stats().PlaybackStream, "playback follows the rendition that holds the segment")
}

func TestEngine_ForwardSeekReleasesSkippedBuffers(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := fake.New()
	f.SetString(playlistURL, mediaPlaylist(0, 12, 10, true))
	serveSegments(f, origin, 0, 12, 1000)

	e := openEngine(t, f, playlistURL, func(o *Options) { o.DisableCache = true })
	defer e.Close()

	require.Eventually(t, func() bool {
		return e.Stats().DownloadSegment == DefaultWindowSegments
	}, 5*time.Second, 5*time.Millisecond)

	s := e.store.stream(0)
	segSize := uint64(10) * uint64(s.bandwidthBPS()) / 8
	require.NoError(t, e.Seek(7*segSize))

	for i := range 7 {
		assert.False(t, s.segment(i).hasData(), "segment %d skipped by the seek still holds its buffer", i)
	}

	buf := make([]byte, 1000)
	_, err := io.ReadFull(e, buf)
	require.NoError(t, err)
	assert.Equal(t, segmentBody(7, 1000), buf)
}
