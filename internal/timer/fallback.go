//go:build !giouring
// +build !giouring

package timer

import (
	"context"
	"time"
)

// tickerSource is the pure-Go fallback when giouring is unavailable,
// used the same way uring.iouring_stub.go stands in for a real ring.
type tickerSource struct{}

// NewSource returns the pure-Go time.Ticker-backed tick source. Build
// with -tags giouring to link the real io_uring timeout source instead.
func NewSource() Source {
	return &tickerSource{}
}

func (s *tickerSource) Run(ctx context.Context, interval time.Duration, onTick func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			onTick()
		}
	}
}

func (s *tickerSource) Close() error { return nil }
