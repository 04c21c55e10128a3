// SPDX-License-Identifier: MIT

package fetch

import (
	"context"
	"fmt"

	platformnet "github.com/ManuGH/hlsingest/internal/platform/net"
	"github.com/ManuGH/hlsingest/internal/ratelimit"
)

// Paced waits for a per-host token before delegating each Open.
type Paced struct {
	next    Fetcher
	limiter *ratelimit.Limiter
}

// WithPacing wraps next. A nil or disabled limiter returns next unchanged.
func WithPacing(next Fetcher, limiter *ratelimit.Limiter) Fetcher {
	if !limiter.Enabled() {
		return next
	}
	return &Paced{next: next, limiter: limiter}
}

func (p *Paced) Open(ctx context.Context, rawURL string) (Handle, error) {
	host, err := platformnet.HostKey(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}
	if err := p.limiter.Wait(ctx, host); err != nil {
		return nil, fmt.Errorf("%w: pacing: %w", ErrOpen, err)
	}
	return p.next.Open(ctx, rawURL)
}
