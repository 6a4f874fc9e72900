// Package armv7 is the architecture-specific sliver the rest of the
// kernel delegates to: translating (MemoryType, AccessFlags) into the
// short-descriptor attribute bits a real ARMv7 page table entry would
// carry (internal/virt.Arch), plus the vector-entry helpers (vector
// kinds, kernel stack range test) the interrupt dispatcher needs from
// the arch layer.
//
// Grounded on original_source/bolthur/kernel/arch/arm/v7/mm/virt/short.h
// for the v7_short_* naming this package's functions mirror, and on
// short.c's TEX/C/B and AP[2:1] attribute scheme for the bit layout
// (the bit positions below match the ARMv7-A short-descriptor format,
// §B3.6 of the architecture reference manual the original targets).
package armv7

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/abi"
)

// Short-descriptor small-page attribute bit positions (ARMv7-A, small
// page second-level descriptor).
const (
	bitXN  = 1 << 0 // execute-never
	bitB   = 1 << 2 // bufferable
	bitC   = 1 << 3 // cacheable
	bitAP1 = 1 << 5
	bitTEX0 = 1 << 6
	bitAP2 = 1 << 9
	bitS   = 1 << 10 // shareable
)

// EncodeAttrs implements virt.Arch: it rejects any executable device or
// strongly-ordered device mapping, whatever its write flag, and packs
// the remaining bits.
func (Arch) EncodeAttrs(memType abi.MemoryType, flags abi.AccessFlags) (uint32, error) {
	if (memType == abi.MemoryDevice || memType == abi.MemoryStrongDevice) && flags.Has(abi.AccessExecute) {
		return 0, fmt.Errorf("armv7: device memory cannot be executable")
	}

	var bits uint32
	if !flags.Has(abi.AccessExecute) {
		bits |= bitXN
	}
	if !flags.Has(abi.AccessWrite) {
		bits |= bitAP2 // AP[2]=1, read-only at both privilege levels combined with AP[1]=1 below
	}
	bits |= bitAP1 // AP[1]=1: user+kernel access, never kernel-only in this model

	switch memType {
	case abi.MemoryDevice:
		// Strongly-ordered-ish device memory: no cache, no buffer, shareable.
		bits |= bitS
	case abi.MemoryStrongDevice:
		bits |= bitS
	case abi.MemoryNormal:
		bits |= bitC | bitB | bitTEX0 | bitS
	case abi.MemoryNormalNoCache:
		bits |= bitB | bitS
	default:
		return 0, fmt.Errorf("armv7: unknown memory type %d", memType)
	}
	return bits, nil
}

// Arch is the concrete ARMv7 implementation of virt.Arch.
type Arch struct{}
