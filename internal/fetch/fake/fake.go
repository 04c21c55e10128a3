// Package fake provides an in-memory fetch.Fetcher for engine tests.
package fake

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ManuGH/hlsingest/internal/fetch"
)

// Resource is a scripted response.
type Resource struct {
	Body []byte

	// OpenErr makes Open fail. It is wrapped with fetch.ErrOpen.
	OpenErr error

	// ReportedSize is what Size returns before the first Read. Zero means
	// len(Body). After the first Read, Size reports len(Body).
	ReportedSize int64

	// Chunk caps the bytes returned per Read. Zero means unlimited.
	Chunk int

	// Gate, when non-nil, blocks every Read until it is closed or the
	// context passed to Open is done.
	Gate <-chan struct{}

	// Delay is slept before each Read.
	Delay time.Duration
}

// Fetcher serves Resources by exact URL.
type Fetcher struct {
	mu        sync.Mutex
	resources map[string]Resource
	opens     map[string]int
}

var _ fetch.Fetcher = (*Fetcher)(nil)

// New returns an empty fetcher.
func New() *Fetcher {
	return &Fetcher{
		resources: make(map[string]Resource),
		opens:     make(map[string]int),
	}
}

// Set registers r under url, replacing any previous resource.
func (f *Fetcher) Set(url string, r Resource) {
	f.mu.Lock()
	f.resources[url] = r
	f.mu.Unlock()
}

// SetBody registers a plain body under url.
func (f *Fetcher) SetBody(url string, body []byte) {
	f.Set(url, Resource{Body: body})
}

// SetString registers a plain text body under url.
func (f *Fetcher) SetString(url, body string) {
	f.Set(url, Resource{Body: []byte(body)})
}

// Remove unregisters url. Later opens fail with a 404 status error.
func (f *Fetcher) Remove(url string) {
	f.mu.Lock()
	delete(f.resources, url)
	f.mu.Unlock()
}

// Opens reports how many times url has been opened.
func (f *Fetcher) Opens(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[url]
}

// Open implements fetch.Fetcher.
func (f *Fetcher) Open(ctx context.Context, url string) (fetch.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", fetch.ErrOpen, err)
	}

	f.mu.Lock()
	f.opens[url]++
	r, ok := f.resources[url]
	f.mu.Unlock()

	if !ok {
		return nil, &fetch.StatusError{URL: url, StatusCode: 404}
	}
	if r.OpenErr != nil {
		return nil, fmt.Errorf("%w: %w", fetch.ErrOpen, r.OpenErr)
	}

	size := r.ReportedSize
	if size == 0 {
		size = int64(len(r.Body))
	}
	return &handle{ctx: ctx, res: r, size: size}, nil
}

type handle struct {
	ctx  context.Context
	res  Resource
	pos  int
	size int64
	read bool
}

func (h *handle) Size() int64 { return h.size }

func (h *handle) Read(p []byte) (int, error) {
	if h.res.Gate != nil {
		select {
		case <-h.res.Gate:
		case <-h.ctx.Done():
			return 0, h.ctx.Err()
		}
	}
	if h.res.Delay > 0 {
		t := time.NewTimer(h.res.Delay)
		select {
		case <-t.C:
		case <-h.ctx.Done():
			t.Stop()
			return 0, h.ctx.Err()
		}
	}
	if !h.read {
		h.read = true
		h.size = int64(len(h.res.Body))
	}
	if h.pos >= len(h.res.Body) {
		return 0, io.EOF
	}
	n := len(p)
	if h.res.Chunk > 0 && n > h.res.Chunk {
		n = h.res.Chunk
	}
	n = copy(p[:n], h.res.Body[h.pos:])
	h.pos += n
	return n, nil
}

func (h *handle) Close() error { return nil }
