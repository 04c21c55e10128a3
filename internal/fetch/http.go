// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/ManuGH/hlsingest/internal/platform/httpx"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "hlsingest/1.0"

// HTTPFetcher opens resources with plain HTTP GETs.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(f *HTTPFetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// WithClient replaces the HTTP client. The client is used as is.
func WithClient(c *http.Client) HTTPOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// NewHTTP builds an HTTP fetcher on a hardened client whose transport is
// instrumented with OpenTelemetry.
func NewHTTP(timeout time.Duration, opts ...HTTPOption) *HTTPFetcher {
	client := httpx.NewClient(timeout)
	client.Transport = otelhttp.NewTransport(client.Transport,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "fetch " + r.URL.Host
		}),
	)
	f := &HTTPFetcher{client: client, userAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open issues a GET for url. Non-2xx responses are returned as *StatusError.
func (f *HTTPFetcher) Open(ctx context.Context, url string) (Handle, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return &httpHandle{body: resp.Body, size: max(resp.ContentLength, 0)}, nil
}

type httpHandle struct {
	body io.ReadCloser
	size int64
}

func (h *httpHandle) Read(p []byte) (int, error) { return h.body.Read(p) }
func (h *httpHandle) Close() error               { return h.body.Close() }
func (h *httpHandle) Size() int64                { return h.size }
