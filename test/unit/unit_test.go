// Package unit holds small, collaborator-free checks against the
// public kestrel API — constants, error codes, metrics bookkeeping —
// the same role the teacher's test/unit played for UAPI constants and
// backend-interface compliance, without needing a full Boot.
package unit

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	kestrel "github.com/kestrel-os/kestrel"
)

func TestDefaultOptionsAreConsistentWithConstants(t *testing.T) {
	opts := kestrel.DefaultOptions()
	require.Greater(t, opts.MemorySize, uintptr(0))
	require.Greater(t, opts.DMAWindowSize, uintptr(0))
	require.LessOrEqual(t, opts.DMAWindowSize, opts.MemorySize)
	require.Greater(t, opts.EarlyHeapSize, 0)
	require.Greater(t, opts.TimerFrequency, 0)
	require.Nil(t, opts.TimerSource, "nil selects the package default source")
	require.Nil(t, opts.Observer, "nil installs NoOpObserver at Boot")
}

func TestErrorIsMatchesByCodeNotMessage(t *testing.T) {
	a := kestrel.NewError("sched.schedule", kestrel.ErrCodeProcessNotFound, "pid 7 gone")
	b := kestrel.NewError("rpc.raise", kestrel.ErrCodeProcessNotFound, "pid 9 gone")
	require.True(t, errors.Is(a, b), "two errors with the same code must match regardless of op/message")
	require.True(t, kestrel.IsCode(a, kestrel.ErrCodeProcessNotFound))
	require.False(t, kestrel.IsCode(a, kestrel.ErrCodeBootFailed))
}

func TestWrapErrorPreservesInnerStructuredFields(t *testing.T) {
	inner := kestrel.NewProcessError("task.create", 42, kestrel.ErrCodeOutOfMemory, "no frames left")
	wrapped := kestrel.WrapError("boot.process.create", inner)
	require.Equal(t, "boot.process.create", wrapped.Op)
	require.Equal(t, uint32(42), wrapped.Pid)
	require.True(t, kestrel.IsCode(wrapped, kestrel.ErrCodeOutOfMemory))

	plain := errors.New("disk on fire")
	wrappedPlain := kestrel.WrapError("boot.phys.new", plain)
	require.True(t, kestrel.IsCode(wrappedPlain, kestrel.ErrCodeNotImplemented), "an unstructured inner error falls back to not-implemented")
	require.ErrorIs(t, wrappedPlain, plain)
}

func TestMetricsSnapshotReflectsRecordedEvents(t *testing.T) {
	m := kestrel.NewMetrics()
	m.RecordContextSwitch()
	m.RecordContextSwitch()
	m.RecordIdle()
	m.RecordSyscall()
	m.RecordInterrupt(0, 2, 5_000)

	snap := m.Snapshot()
	require.EqualValues(t, 2, snap.ContextSwitches)
	require.EqualValues(t, 1, snap.IdleEntries)
	require.EqualValues(t, 1, snap.SyscallCount)
	require.EqualValues(t, 1, snap.InterruptsNormal)
	require.EqualValues(t, 2, snap.InterruptNestingHi)
	require.Greater(t, snap.UptimeNs, uint64(0))
}

func TestMetricsResetClearsCounters(t *testing.T) {
	m := kestrel.NewMetrics()
	m.RecordRPCRaise()
	m.RecordPageAllocated()
	m.Reset()

	snap := m.Snapshot()
	require.Zero(t, snap.RPCRaises)
	require.Zero(t, snap.PagesAllocated)
}

func TestMetricsObserverForwardsEveryEventKind(t *testing.T) {
	m := kestrel.NewMetrics()
	obs := kestrel.NewMetricsObserver(m)

	obs.ObserveContextSwitch()
	obs.ObserveIdle()
	obs.ObserveInterrupt(1, 1, 1_000)
	obs.ObserveRPCRaise()
	obs.ObserveRPCReturn()
	obs.ObserveSyscall()

	snap := m.Snapshot()
	require.EqualValues(t, 1, snap.ContextSwitches)
	require.EqualValues(t, 1, snap.IdleEntries)
	require.EqualValues(t, 1, snap.InterruptsFast)
	require.EqualValues(t, 1, snap.RPCRaises)
	require.EqualValues(t, 1, snap.RPCReturns)
	require.EqualValues(t, 1, snap.SyscallCount)
}

func TestNoOpObserverNeverPanics(t *testing.T) {
	var o kestrel.NoOpObserver
	require.NotPanics(t, func() {
		o.ObserveContextSwitch()
		o.ObserveIdle()
		o.ObserveInterrupt(0, 0, 0)
		o.ObserveRPCRaise()
		o.ObserveRPCReturn()
		o.ObserveSyscall()
	})
}

func TestMockFirmwareParseErrorIsReturnedVerbatim(t *testing.T) {
	fw := kestrel.NewMockFirmware(kestrel.BootInfo{MachineID: 7})
	boom := errors.New("corrupt dtb")
	fw.SetParseError(boom)

	_, err := fw.Parse(nil)
	require.ErrorIs(t, err, boom)
	require.False(t, fw.Relocated())
}

func TestMockLoaderCountsCallsAndReturnsFixedEntry(t *testing.T) {
	loader := kestrel.NewMockLoader(0x4000)
	entry, err := loader.Load(nil, nil, 0)
	require.NoError(t, err)
	require.EqualValues(t, 0x4000, entry)
	require.Equal(t, 1, loader.Calls())

	_, err = loader.Load(nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, 2, loader.Calls())
}

func TestMockInitrdReaderLooksUpByName(t *testing.T) {
	reader := kestrel.NewMockInitrdReader(map[string][]byte{"init": []byte("#!/bin/sh")})

	data, err := reader.Lookup(0x1000000, 0x1100000, "init")
	require.NoError(t, err)
	require.Equal(t, []byte("#!/bin/sh"), data)

	_, err = reader.Lookup(0x1000000, 0x1100000, "missing")
	require.Error(t, err)
}
