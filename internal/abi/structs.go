// Package abi defines the wire-level shapes the kernel core exchanges with
// the CPU: the saved register frame, the RPC handler entry-register
// layout, and the syscall argument/return convention. These mirror a real
// ARMv7 AAPCS frame closely enough to be a faithful model, but are plain Go
// structs rather than raw memory so the rest of the kernel can unit-test
// against them without an assembler.
package abi

import "unsafe"

// RegisterFrame is a thread's saved general-purpose register set plus the
// two banked registers every exception entry must record. Backed up and
// restored verbatim by the RPC engine (spec.md §4.6) and by the exception
// dispatcher on interrupt/exception entry (spec.md §4.4).
type RegisterFrame struct {
	R    [13]uint32 // r0..r12
	SP   uint32     // r13, banked per mode
	LR   uint32     // r14, banked per mode
	PC   uint32     // r15
	CPSR uint32      // saved processor status
}

// Compile-time size assertion: 13 general-purpose (r0..r12) + sp/lr/pc/cpsr, 4 bytes
// each, matches the fixed-width ARM register file this type models.
var _ [68]byte = [unsafe.Sizeof(RegisterFrame{})]byte{}

// Clone returns a deep copy; the RPC engine must never hand out a frame
// that aliases the live thread's registers to a pending backup.
func (f *RegisterFrame) Clone() *RegisterFrame {
	clone := *f
	return &clone
}

// MemoryType enumerates the access attributes the arch layer maps onto
// hardware page-table encodings (spec.md §3 "Mapping descriptor").
type MemoryType uint8

const (
	MemoryDevice MemoryType = iota
	MemoryStrongDevice
	MemoryNormal
	MemoryNormalNoCache
)

func (t MemoryType) String() string {
	switch t {
	case MemoryDevice:
		return "device"
	case MemoryStrongDevice:
		return "strong-device"
	case MemoryNormal:
		return "normal"
	case MemoryNormalNoCache:
		return "normal-nocache"
	default:
		return "unknown"
	}
}

// AccessFlags is a bitset of page permissions.
type AccessFlags uint8

const (
	AccessRead AccessFlags = 1 << iota
	AccessWrite
	AccessExecute
)

func (f AccessFlags) Has(bit AccessFlags) bool { return f&bit != 0 }

// RpcEntryArgs is the register layout the RPC engine rewrites onto a
// target thread's saved frame so that, on return from the exception that
// intercepted it, the thread begins executing at its RPC handler with
// these values in r0..r3 (spec.md §6 "RPC on-wire shape").
type RpcEntryArgs struct {
	Type         uint32
	SourcePID    uint32
	DataID       uint32
	OriginRpcID  uint32
}

// Apply writes the entry arguments into a register frame's r0..r3.
func (a RpcEntryArgs) Apply(f *RegisterFrame) {
	f.R[0] = a.Type
	f.R[1] = a.SourcePID
	f.R[2] = a.DataID
	f.R[3] = a.OriginRpcID
}

// SyscallArgs is the fixed six-register argument convention every syscall
// handler receives (spec.md §4.7, §6).
type SyscallArgs struct {
	A0, A1, A2, A3, A4, A5 uint32
}

// FromFrame extracts syscall arguments from a trapped thread's r0..r5.
func FromFrame(f *RegisterFrame) SyscallArgs {
	return SyscallArgs{
		A0: f.R[0], A1: f.R[1], A2: f.R[2],
		A3: f.R[3], A4: f.R[4], A5: f.R[5],
	}
}

// SyscallResult is the (r0, r1) pair every syscall returns: r1 is 0 on
// success and the negated errno otherwise (spec.md §6).
type SyscallResult struct {
	Value uint32
	Errno int32
}

// WriteTo stores a result back into a thread's r0/r1.
func (r SyscallResult) WriteTo(f *RegisterFrame) {
	f.R[0] = r.Value
	f.R[1] = uint32(r.Errno)
}

// Ok builds a successful result.
func Ok(value uint32) SyscallResult { return SyscallResult{Value: value} }

// Fail builds a failed result from a positive errno magnitude, stored negated.
func Fail(errno int32) SyscallResult { return SyscallResult{Errno: -errno} }
