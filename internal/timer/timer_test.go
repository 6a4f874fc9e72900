package timer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/eventbus"
	"github.com/kestrel-os/kestrel/internal/interrupt"
)

func TestTimerDeliversTicksAsInterrupts(t *testing.T) {
	reg := interrupt.NewRegistry()
	bus := eventbus.New()
	disp := interrupt.NewDispatcher(reg, bus, func(uint32) bool { return true })

	fired := make(chan struct{}, 8)
	_, err := reg.RegisterHandler(abi.InterruptNormal, 30, func(frame *abi.RegisterFrame) {
		fired <- struct{}{}
	}, false, true)
	require.NoError(t, err)

	tm := New(NewSource(), disp)
	tm.Start(context.Background(), 5*time.Millisecond)
	defer tm.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never delivered a tick")
	}

	require.Greater(t, tm.Ticks(), uint64(0))
}

func TestTimerStopHaltsDelivery(t *testing.T) {
	reg := interrupt.NewRegistry()
	bus := eventbus.New()
	disp := interrupt.NewDispatcher(reg, bus, func(uint32) bool { return true })

	tm := New(NewSource(), disp)
	tm.Start(context.Background(), 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tm.Stop())

	after := tm.Ticks()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, tm.Ticks(), "no ticks should be delivered after Stop")
}
