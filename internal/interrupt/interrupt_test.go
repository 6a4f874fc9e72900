package interrupt

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/eventbus"
)

type fakeSubscriber struct {
	runnable bool
	raised   []uint32
	failNext bool
}

func (f *fakeSubscriber) RaiseInterruptRPC(num uint32) error {
	if f.failNext {
		return fmt.Errorf("raise failed")
	}
	f.raised = append(f.raised, num)
	return nil
}

func (f *fakeSubscriber) HasRunnableThread() bool { return f.runnable }

func TestDispatchRunsPreThenSubscribersThenPost(t *testing.T) {
	r := NewRegistry()
	var order []string

	_, err := r.RegisterHandler(abi.InterruptNormal, 3, func(f *abi.RegisterFrame) { order = append(order, "pre") }, false, true)
	require.NoError(t, err)
	_, err = r.RegisterHandler(abi.InterruptNormal, 3, func(f *abi.RegisterFrame) { order = append(order, "post") }, true, true)
	require.NoError(t, err)

	sub := &fakeSubscriber{runnable: true}
	_, err = r.RegisterProcess(abi.InterruptNormal, 3, sub)
	require.NoError(t, err)

	fired, err := r.Dispatch(abi.InterruptNormal, 3, &abi.RegisterFrame{})
	require.NoError(t, err)
	require.True(t, fired)
	require.Equal(t, []string{"pre", "post"}, order)
	require.Equal(t, []uint32{3}, sub.raised)
}

func TestInterruptForwardingTwice(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSubscriber{runnable: true}
	_, err := r.RegisterProcess(abi.InterruptNormal, 3, sub)
	require.NoError(t, err)

	_, err = r.Dispatch(abi.InterruptNormal, 3, &abi.RegisterFrame{})
	require.NoError(t, err)
	_, err = r.Dispatch(abi.InterruptNormal, 3, &abi.RegisterFrame{})
	require.NoError(t, err)

	require.Equal(t, []uint32{3, 3}, sub.raised, "invariant: two fired IRQs forward two typed RPCs in order")
}

func TestUnregisterLastHandlerMasksLine(t *testing.T) {
	r := NewRegistry()
	var masked bool
	r.Disabler = func(kind abi.InterruptKind, num uint32) { masked = true }

	tok, err := r.RegisterHandler(abi.InterruptNormal, 5, func(f *abi.RegisterFrame) {}, false, true)
	require.NoError(t, err)

	require.NoError(t, r.UnregisterHandler(abi.InterruptNormal, 5, tok, true))
	require.True(t, masked)

	fired, err := r.Dispatch(abi.InterruptNormal, 5, &abi.RegisterFrame{})
	require.NoError(t, err)
	require.False(t, fired, "a masked line with no remaining registrations must not fire")
}

func TestSubscriberWithoutThreadsPrunedLazily(t *testing.T) {
	r := NewRegistry()
	sub := &fakeSubscriber{runnable: false}
	_, err := r.RegisterProcess(abi.InterruptNormal, 7, sub)
	require.NoError(t, err)

	_, err = r.Dispatch(abi.InterruptNormal, 7, &abi.RegisterFrame{})
	require.NoError(t, err)
	require.Empty(t, sub.raised)
}

func TestDispatchUnknownLineIsNoop(t *testing.T) {
	r := NewRegistry()
	fired, err := r.Dispatch(abi.InterruptNormal, 99, &abi.RegisterFrame{})
	require.NoError(t, err)
	require.False(t, fired)
}

func TestDispatcherNestingBound(t *testing.T) {
	bus := eventbus.New()
	reg := NewRegistry()
	d := NewDispatcher(reg, bus, nil)

	for i := 0; i < constants.InterruptNestedMax-1; i++ {
		_, err := d.Enter(&abi.RegisterFrame{})
		require.NoError(t, err)
	}

	_, err := d.Enter(&abi.RegisterFrame{})
	require.Error(t, err)
	var nestErr *ErrNestingExceeded
	require.ErrorAs(t, err, &nestErr)
}

func TestDispatcherOriginDetection(t *testing.T) {
	bus := eventbus.New()
	reg := NewRegistry()
	inKernel := func(sp uint32) bool { return sp >= 0x80000000 }
	d := NewDispatcher(reg, bus, inKernel)

	origin, err := d.Enter(&abi.RegisterFrame{SP: 0x90000000})
	require.NoError(t, err)
	require.Equal(t, abi.OriginKernel, origin)
	d.Exit(origin)

	origin, err = d.Enter(&abi.RegisterFrame{SP: 0x1000})
	require.NoError(t, err)
	require.Equal(t, abi.OriginUser, origin)
	d.Exit(origin)
}

func TestDispatcherExitEnqueuesInterruptCleanup(t *testing.T) {
	bus := eventbus.New()
	var seen abi.EventOrigin
	var count int
	bus.Bind(eventbus.InterruptCleanup, func(origin abi.EventOrigin) {
		seen = origin
		count++
	})
	reg := NewRegistry()
	d := NewDispatcher(reg, bus, nil)

	origin, err := d.Enter(&abi.RegisterFrame{})
	require.NoError(t, err)
	d.Exit(origin)

	require.Equal(t, 1, count)
	require.Equal(t, abi.OriginUser, seen)
}

func TestDecodeSVCNumberThumbAndARM(t *testing.T) {
	// Thumb SVC 0x12: low byte is the immediate.
	n, err := DecodeSVCNumber([]byte{0x12, 0xDF}, true)
	require.NoError(t, err)
	require.Equal(t, uint32(0x12), n)

	// ARM SVC instruction word, low 16 bits taken per original_source.
	n, err = DecodeSVCNumber([]byte{0x56, 0x34, 0x12, 0xEF}, false)
	require.NoError(t, err)
	require.Equal(t, uint32(0x3456), n)
}

func TestAdvancePC(t *testing.T) {
	f := &abi.RegisterFrame{PC: 0x1000}
	AdvancePC(f, true)
	require.Equal(t, uint32(0x1002), f.PC)

	f = &abi.RegisterFrame{PC: 0x1000}
	AdvancePC(f, false)
	require.Equal(t, uint32(0x1004), f.PC)
}
