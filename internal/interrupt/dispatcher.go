package interrupt

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/eventbus"
)

// KernelStackRange reports whether sp falls inside the kernel stack, to
// let Dispatcher tell kernel-origin exceptions from user-origin ones
// (spec.md §4.4 step b). A real implementation reads the architecture's
// fixed kernel stack window; this is supplied by the caller so
// internal/interrupt doesn't need to import internal/task.
type KernelStackRange func(sp uint32) bool

// Dispatcher drives the common entry sequence every architecture vector
// funnels into: nesting bound, origin detection, registry dispatch, and
// an InterruptCleanup event enqueued for the arch layer.
type Dispatcher struct {
	reg      *Registry
	bus      *eventbus.Bus
	inKernel KernelStackRange
	nesting  int32
}

// NewDispatcher builds a dispatcher over an existing registry and
// event bus.
func NewDispatcher(reg *Registry, bus *eventbus.Bus, inKernel KernelStackRange) *Dispatcher {
	return &Dispatcher{reg: reg, bus: bus, inKernel: inKernel}
}

// ErrNestingExceeded signals the bounded-nesting invariant (spec.md
// §4.4, INTERRUPT_NESTED_MAX = 3) was violated.
type ErrNestingExceeded struct {
	Depth int32
}

func (e *ErrNestingExceeded) Error() string {
	return fmt.Sprintf("interrupt: nesting depth %d reaches max %d", e.Depth, constants.InterruptNestedMax)
}

// Enter increments the nesting counter, asserting it stays below
// InterruptNestedMax, and determines the exception's origin from the
// frame's saved stack pointer. Callers must pair every Enter with an
// Exit, even on error paths.
func (d *Dispatcher) Enter(frame *abi.RegisterFrame) (abi.EventOrigin, error) {
	depth := atomic.AddInt32(&d.nesting, 1)
	if depth >= constants.InterruptNestedMax {
		atomic.AddInt32(&d.nesting, -1)
		return 0, &ErrNestingExceeded{Depth: depth}
	}

	origin := abi.OriginUser
	if d.inKernel != nil && d.inKernel(frame.SP) {
		origin = abi.OriginKernel
	}
	return origin, nil
}

// Exit decrements the nesting counter and enqueues the InterruptCleanup
// event for the arch layer's fault-status-register reset, draining the
// bus immediately since this is always the tail of exception handling.
func (d *Dispatcher) Exit(origin abi.EventOrigin) {
	d.bus.Enqueue(eventbus.InterruptCleanup, origin)
	d.bus.Drain()
	atomic.AddInt32(&d.nesting, -1)
}

// Depth reports the current nesting depth, for tests and diagnostics.
func (d *Dispatcher) Depth() int32 {
	return atomic.LoadInt32(&d.nesting)
}

// Handle runs one full entry for a fired interrupt: Enter, registry
// Dispatch, Exit. Architecture vector stubs call this directly.
func (d *Dispatcher) Handle(kind abi.InterruptKind, num uint32, frame *abi.RegisterFrame) error {
	origin, err := d.Enter(frame)
	if err != nil {
		return err
	}
	defer d.Exit(origin)

	_, dispatchErr := d.reg.Dispatch(kind, num, frame)
	return dispatchErr
}

// DecodeSVCNumber extracts the SVC number from the instruction the
// faulting PC points at, per spec.md §4.4: 2 bytes for Thumb (CPSR.T
// set) masked to the low 8 bits, 4 bytes for ARM masked to the low 16
// bits — matching original_source's vector_svc_handler exactly rather
// than the full 24-bit immediate the real ARM SVC encoding reserves.
func DecodeSVCNumber(instr []byte, thumb bool) (uint32, error) {
	if thumb {
		if len(instr) < 2 {
			return 0, fmt.Errorf("interrupt: short thumb SVC instruction")
		}
		word := binary.LittleEndian.Uint16(instr)
		return uint32(word) & 0xFF, nil
	}
	if len(instr) < 4 {
		return 0, fmt.Errorf("interrupt: short ARM SVC instruction")
	}
	word := binary.LittleEndian.Uint32(instr)
	return word & 0xFFFF, nil
}

// AdvancePC moves the saved PC past the faulting instruction so
// execution resumes after the SVC on return, per spec.md §4.4.
func AdvancePC(frame *abi.RegisterFrame, thumb bool) {
	if thumb {
		frame.PC += 2
		return
	}
	frame.PC += 4
}
