package armv7

import (
	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/interrupt"
)

// VectorKind names the seven architectural entry points spec.md §4.4
// lists (reset, undef, SVC, prefetch-abort, data-abort, IRQ, FIQ).
// Reset never reaches the common dispatcher (it runs before the
// handler registry exists), so it has no InterruptKind mapping.
type VectorKind int

const (
	VectorReset VectorKind = iota
	VectorUndef
	VectorSVC
	VectorPrefetchAbort
	VectorDataAbort
	VectorIRQ
	VectorFIQ
)

// DispatchKind maps a vector entry to the registry tree it dispatches
// through. Undef/abort vectors are faults, not registry-bound
// interrupts, and have no InterruptKind — callers route them to fault
// handling instead of Dispatcher.Handle (Kernel.HandleVector panics on
// kernel origin and kills the current thread on user origin).
func (k VectorKind) DispatchKind() (abi.InterruptKind, bool) {
	switch k {
	case VectorSVC:
		return abi.InterruptSoftware, true
	case VectorIRQ:
		return abi.InterruptNormal, true
	case VectorFIQ:
		return abi.InterruptFast, true
	default:
		return 0, false
	}
}

// String names a vector kind for panic messages and logging.
func (k VectorKind) String() string {
	switch k {
	case VectorReset:
		return "reset"
	case VectorUndef:
		return "undef"
	case VectorSVC:
		return "svc"
	case VectorPrefetchAbort:
		return "prefetch-abort"
	case VectorDataAbort:
		return "data-abort"
	case VectorIRQ:
		return "irq"
	case VectorFIQ:
		return "fiq"
	default:
		return "unknown-vector"
	}
}

// NewKernelStackRange builds the KernelStackRange test the interrupt
// dispatcher uses to classify an exception's origin: sp is kernel-origin
// iff it falls within [base, base+size).
func NewKernelStackRange(base, size uint32) interrupt.KernelStackRange {
	return func(sp uint32) bool {
		return sp >= base && sp < base+size
	}
}
