package kestrel

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering from 1us to 10s, the same logarithmic spacing the teacher's
// I/O metrics use, now measuring scheduler and dispatch latency instead
// of block I/O latency.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks kernel-core operational statistics: scheduling, interrupt
// dispatch, RPC traffic, and memory pressure, in the teacher's atomic
// counters + cumulative histogram shape.
type Metrics struct {
	ContextSwitches atomic.Uint64
	IdleEntries     atomic.Uint64

	InterruptsNormal   atomic.Uint64
	InterruptsFast     atomic.Uint64
	InterruptsSoftware atomic.Uint64
	InterruptNestingHi atomic.Uint32

	RPCRaises    atomic.Uint64
	RPCReturns   atomic.Uint64
	SyscallCount atomic.Uint64

	PagesAllocated atomic.Uint64
	PagesFreed     atomic.Uint64
	HeapBytesUsed  atomic.Uint64

	TotalDispatchNs atomic.Uint64
	DispatchCount   atomic.Uint64

	DispatchLatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance with its start time recorded.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordContextSwitch increments the scheduling counters.
func (m *Metrics) RecordContextSwitch() {
	m.ContextSwitches.Add(1)
}

// RecordIdle counts a Schedule call that found nothing runnable.
func (m *Metrics) RecordIdle() {
	m.IdleEntries.Add(1)
}

// RecordInterrupt records one dispatched interrupt of the given kind and
// its dispatch latency, updating the nesting-depth high-water mark.
func (m *Metrics) RecordInterrupt(kind int, nestingDepth int32, latencyNs uint64) {
	switch kind {
	case 0:
		m.InterruptsNormal.Add(1)
	case 1:
		m.InterruptsFast.Add(1)
	case 2:
		m.InterruptsSoftware.Add(1)
	}
	for {
		hi := m.InterruptNestingHi.Load()
		if nestingDepth <= int32(hi) {
			break
		}
		if m.InterruptNestingHi.CompareAndSwap(hi, uint32(nestingDepth)) {
			break
		}
	}
	m.recordDispatchLatency(latencyNs)
}

// RecordRPCRaise counts one rpc_raise call.
func (m *Metrics) RecordRPCRaise() { m.RPCRaises.Add(1) }

// RecordRPCReturn counts one rpc_ret call.
func (m *Metrics) RecordRPCReturn() { m.RPCReturns.Add(1) }

// RecordSyscall counts one syscall dispatch.
func (m *Metrics) RecordSyscall() { m.SyscallCount.Add(1) }

// RecordPageAllocated/RecordPageFreed track physical page turnover.
func (m *Metrics) RecordPageAllocated() { m.PagesAllocated.Add(1) }
func (m *Metrics) RecordPageFreed()     { m.PagesFreed.Add(1) }

// SetHeapBytesUsed records the kernel heap's current used-byte total.
func (m *Metrics) SetHeapBytesUsed(n uint64) { m.HeapBytesUsed.Store(n) }

func (m *Metrics) recordDispatchLatency(latencyNs uint64) {
	m.TotalDispatchNs.Add(latencyNs)
	m.DispatchCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.DispatchLatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the kernel as stopped, for uptime calculation.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics, safe to hand to
// callers without further synchronization.
type MetricsSnapshot struct {
	ContextSwitches uint64
	IdleEntries     uint64

	InterruptsNormal   uint64
	InterruptsFast     uint64
	InterruptsSoftware uint64
	InterruptNestingHi uint32

	RPCRaises    uint64
	RPCReturns   uint64
	SyscallCount uint64

	PagesAllocated uint64
	PagesFreed     uint64
	HeapBytesUsed  uint64

	AvgDispatchLatencyNs uint64
	DispatchLatencyP50Ns uint64
	DispatchLatencyP99Ns uint64

	DispatchLatencyHistogram [numLatencyBuckets]uint64

	UptimeNs uint64
}

// Snapshot computes a MetricsSnapshot from the live counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		ContextSwitches:    m.ContextSwitches.Load(),
		IdleEntries:        m.IdleEntries.Load(),
		InterruptsNormal:   m.InterruptsNormal.Load(),
		InterruptsFast:     m.InterruptsFast.Load(),
		InterruptsSoftware: m.InterruptsSoftware.Load(),
		InterruptNestingHi: m.InterruptNestingHi.Load(),
		RPCRaises:          m.RPCRaises.Load(),
		RPCReturns:         m.RPCReturns.Load(),
		SyscallCount:       m.SyscallCount.Load(),
		PagesAllocated:     m.PagesAllocated.Load(),
		PagesFreed:         m.PagesFreed.Load(),
		HeapBytesUsed:      m.HeapBytesUsed.Load(),
	}

	totalNs := m.TotalDispatchNs.Load()
	count := m.DispatchCount.Load()
	if count > 0 {
		snap.AvgDispatchLatencyNs = totalNs / count
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.DispatchLatencyHistogram[i] = m.DispatchLatencyBuckets[i].Load()
	}
	if count > 0 {
		snap.DispatchLatencyP50Ns = m.calculatePercentile(0.50)
		snap.DispatchLatencyP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

// calculatePercentile estimates the dispatch latency at the given
// percentile (0.0-1.0) by linear interpolation between histogram
// buckets, the same estimator the teacher's I/O latency metrics use.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.DispatchCount.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		count := m.DispatchLatencyBuckets[i].Load()
		if count >= target {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.DispatchLatencyBuckets[i-1].Load()
			}
			if count == prevCount {
				return bucket
			}
			fraction := float64(target-prevCount) / float64(count-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset clears all counters, useful in tests.
func (m *Metrics) Reset() {
	m.ContextSwitches.Store(0)
	m.IdleEntries.Store(0)
	m.InterruptsNormal.Store(0)
	m.InterruptsFast.Store(0)
	m.InterruptsSoftware.Store(0)
	m.InterruptNestingHi.Store(0)
	m.RPCRaises.Store(0)
	m.RPCReturns.Store(0)
	m.SyscallCount.Store(0)
	m.PagesAllocated.Store(0)
	m.PagesFreed.Store(0)
	m.HeapBytesUsed.Store(0)
	m.TotalDispatchNs.Store(0)
	m.DispatchCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.DispatchLatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable collection of kernel events, mirroring the
// teacher's I/O Observer interface.
type Observer interface {
	ObserveContextSwitch()
	ObserveIdle()
	ObserveInterrupt(kind int, nestingDepth int32, latencyNs uint64)
	ObserveRPCRaise()
	ObserveRPCReturn()
	ObserveSyscall()
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveContextSwitch()                                  {}
func (NoOpObserver) ObserveIdle()                                           {}
func (NoOpObserver) ObserveInterrupt(kind int, nestingDepth int32, ns uint64) {}
func (NoOpObserver) ObserveRPCRaise()                                       {}
func (NoOpObserver) ObserveRPCReturn()                                      {}
func (NoOpObserver) ObserveSyscall()                                        {}

// MetricsObserver records events into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveContextSwitch() { o.metrics.RecordContextSwitch() }
func (o *MetricsObserver) ObserveIdle()          { o.metrics.RecordIdle() }
func (o *MetricsObserver) ObserveInterrupt(kind int, nestingDepth int32, latencyNs uint64) {
	o.metrics.RecordInterrupt(kind, nestingDepth, latencyNs)
}
func (o *MetricsObserver) ObserveRPCRaise()  { o.metrics.RecordRPCRaise() }
func (o *MetricsObserver) ObserveRPCReturn() { o.metrics.RecordRPCReturn() }
func (o *MetricsObserver) ObserveSyscall()   { o.metrics.RecordSyscall() }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = (*NoOpObserver)(nil)
)
