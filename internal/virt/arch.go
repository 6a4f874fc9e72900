package virt

import "github.com/kestrel-os/kestrel/internal/abi"

// Arch is the architecture-specific sliver of the address-space manager:
// the page-table format itself is delegated here (spec.md §4.2 "the
// implementation is architecture-specific"), while everything else in
// this package — the range-map/unmap loop, temporary-window bookkeeping,
// fork/destroy walks — is portable.
//
// A real ARMv7 implementation would translate (MemoryType, AccessFlags)
// into short-descriptor L1/L2 attribute bits; internal/armv7 does exactly
// that encoding (without walking real tables, since there is no real MMU
// under test) so the bit patterns spec.md names are still exercised.
type Arch interface {
	// EncodeAttrs validates and normalizes a (memory type, access flags)
	// pair into the bits a real page table entry would carry.
	EncodeAttrs(memType abi.MemoryType, flags abi.AccessFlags) (uint32, error)
}
