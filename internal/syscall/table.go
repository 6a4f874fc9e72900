// Package syscall implements the fixed-number syscall table (spec.md
// §4.7/§6): registration of one handler per abi.Sys* constant, argument
// extraction from the trapped register frame, pointer-argument
// validation against the caller's mapped address range, and dispatch
// from the software-interrupt path.
//
// Grounded on the teacher's internal/uapi/marshal.go (parameter
// encode/decode against a fixed wire layout) for the "fixed numeric
// slots, no reflection" shape, now expressed as a handler table instead
// of a struct marshaller since a syscall's payload is a register frame,
// not a wire buffer.
package syscall

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/task"
	"github.com/kestrel-os/kestrel/internal/virt"
)

// Handler services one syscall number for a trapped thread.
type Handler func(caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult

// Table is the fixed-size syscall table sized to abi.SyscallCount.
type Table struct {
	mu       sync.Mutex
	handlers [abi.SyscallCount]Handler
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{}
}

// Register installs a handler at a fixed syscall number. Re-registering
// an already-bound number is an error — the table is meant to be wired
// once at boot.
func (t *Table) Register(num uint32, h Handler) error {
	if int(num) >= abi.SyscallCount {
		return fmt.Errorf("syscall: number %d exceeds table size %d", num, abi.SyscallCount)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handlers[num] != nil {
		return fmt.Errorf("syscall: number %d already registered", num)
	}
	t.handlers[num] = h
	return nil
}

// Dispatch looks up a syscall number, extracts its arguments from the
// trapped register frame, invokes the handler, and writes the result
// back into r0/r1 (spec.md §6's syscall ABI).
func (t *Table) Dispatch(num uint32, caller *task.TCB, frame *abi.RegisterFrame) error {
	if int(num) >= abi.SyscallCount {
		abi.Fail(int32(ErrBadNumber)).WriteTo(frame)
		return nil
	}

	t.mu.Lock()
	h := t.handlers[num]
	t.mu.Unlock()
	if h == nil {
		abi.Fail(int32(ErrNoHandler)).WriteTo(frame)
		return nil
	}

	result := h(caller, abi.FromFrame(frame))
	result.WriteTo(frame)
	return nil
}

// Errno values returned in SyscallResult.Errno, local to this kernel
// simulation rather than host errno numbers.
const (
	ErrBadNumber = 1
	ErrNoHandler = 2
	ErrFault     = 3
)

// ValidateUserPointer checks that [va, va+size) lies fully within the
// caller's mapped address space, the bounds check every pointer-taking
// syscall argument must pass before it is dereferenced (spec.md §6
// "marshal/validate pointer arguments against the current context").
func ValidateUserPointer(ctx *virt.Context, va uintptr, size uintptr) error {
	if size == 0 {
		return nil
	}
	if !ctx.IsMappedRange(va, size) {
		return fmt.Errorf("syscall: pointer range [%#x, %#x) not mapped", va, va+size)
	}
	return nil
}
