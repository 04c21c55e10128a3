package hls

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/hlsingest/internal/fetch/fake"
)

const origin = "http://origin.test/vod"

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

// mediaPlaylist renders a media playlist with n segments named seg<i>.ts.
func mediaPlaylist(firstSeq, n, duration int, ended bool, extra ...string) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", duration)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", firstSeq)
	for _, l := range extra {
		b.WriteString(l + "\n")
	}
	for i := firstSeq; i < firstSeq+n; i++ {
		fmt.Fprintf(&b, "#EXTINF:%d.0,\nseg%d.ts\n", duration, i)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// segmentBody is deterministic, distinct content for segment seq.
func segmentBody(seq, size int) []byte {
	return bytes.Repeat([]byte{byte('A' + seq%26)}, size)
}

// serveSegments registers n plain segment bodies under base.
func serveSegments(f *fake.Fetcher, base string, firstSeq, n, size int) []byte {
	var all []byte
	for i := firstSeq; i < firstSeq+n; i++ {
		body := segmentBody(i, size)
		f.SetBody(fmt.Sprintf("%s/seg%d.ts", base, i), body)
		all = append(all, body...)
	}
	return all
}

func testOptions(f *fake.Fetcher) Options {
	return Options{
		Fetcher:     f,
		Logger:      nopLogger(),
		ReadTimeout: 2 * time.Second,
	}
}

func pkcs7Encrypt(t *testing.T, plain []byte, key, iv [16]byte) []byte {
	t.Helper()
	p := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(p)}, p)...)
	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out
}

func newTestParser(f *fake.Fetcher) *parser {
	return &parser{fetcher: f, log: zerolog.Nop(), childLimit: 2}
}
