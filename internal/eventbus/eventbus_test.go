package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-os/kestrel/internal/abi"
)

func TestDrainInvokesBoundHandlersInOrder(t *testing.T) {
	b := New()
	var order []string
	b.Bind(Process, func(origin abi.EventOrigin) { order = append(order, "a") })
	b.Bind(Process, func(origin abi.EventOrigin) { order = append(order, "b") })

	b.Enqueue(Process, abi.OriginUser)
	b.Drain()

	require.Equal(t, []string{"a", "b"}, order)
	require.Zero(t, b.Pending())
}

func TestDrainPassesOrigin(t *testing.T) {
	b := New()
	var got abi.EventOrigin
	b.Bind(InterruptCleanup, func(origin abi.EventOrigin) { got = origin })

	b.Enqueue(InterruptCleanup, abi.OriginKernel)
	b.Drain()

	require.Equal(t, abi.OriginKernel, got)
}

func TestDrainClearsQueueEvenWithNoHandlers(t *testing.T) {
	b := New()
	b.Enqueue(Debug, abi.OriginUser)
	require.Equal(t, 1, b.Pending())
	b.Drain()
	require.Zero(t, b.Pending())
}

func TestUnboundEventTypeIsSilentlyIgnored(t *testing.T) {
	b := New()
	b.Enqueue(Serial, abi.OriginUser)
	require.NotPanics(t, func() { b.Drain() })
}
