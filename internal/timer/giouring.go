//go:build giouring
// +build giouring

package timer

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/pawelgaczynski/giouring"
)

// ringSource delivers ticks via a re-armed IORING_OP_TIMEOUT completion,
// the real hardware-timer stand-in (spec.md §4.7).
type ringSource struct {
	ring *giouring.Ring
}

// NewSource returns the io_uring-backed tick source. Requires building
// with -tags giouring on a kernel with io_uring support; falls back to
// the pure-Go ticker otherwise (see fallback.go).
func NewSource() Source {
	ring, err := giouring.NewRing(8)
	if err != nil {
		return &tickerSource{}
	}
	return &ringSource{ring: ring}
}

func (s *ringSource) Run(ctx context.Context, interval time.Duration, onTick func()) error {
	ts := syscall.NsecToTimespec(interval.Nanoseconds())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sqe := s.ring.GetSQE()
		if sqe == nil {
			return fmt.Errorf("timer: submission queue full")
		}
		sqe.PrepareTimeout(&ts, 0, 0)

		if _, err := s.ring.SubmitAndWait(1); err != nil {
			return fmt.Errorf("timer: submit timeout: %w", err)
		}

		cqe, err := s.ring.WaitCQE()
		if err != nil {
			return fmt.Errorf("timer: wait cqe: %w", err)
		}
		s.ring.CQESeen(cqe)
		onTick()
	}
}

func (s *ringSource) Close() error {
	s.ring.QueueExit()
	return nil
}
