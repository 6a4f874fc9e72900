// Package collab defines the interfaces through which the kernel core
// reaches its external collaborators: the ELF loader, the firmware/device
// tree parser, and the initrd reader. Their implementations are out of
// scope for the kernel core (spec.md §1); this package exists so the core
// can depend on an abstraction instead of a concrete black box, the same
// way the rest of the kernel depends on interfaces rather than structs.
package collab

import (
	"io"

	"github.com/kestrel-os/kestrel/internal/abi"
)

// BootInfo is what Firmware.Parse recovers from the boot blob (device tree
// or ATAG list) before the physical allocator and address-space manager
// can be brought up.
type BootInfo struct {
	// MachineID identifies the board/SoC, as reported by firmware.
	MachineID uint32

	// InitrdPhysStart and InitrdPhysEnd bound the ramdisk tar, if one was
	// passed via linux,initrd-start/end (FDT) or ATAG_TAG_INITRD2/RAMDISK.
	// Both are zero when no initrd was supplied.
	InitrdPhysStart uintptr
	InitrdPhysEnd   uintptr

	// Reserved lists additional physical ranges the arch layer wants
	// marked used before any allocation happens (spec.md §4.1 step iii).
	Reserved []Range
}

// Range is a half-open physical address range [Start, End).
type Range struct {
	Start uintptr
	End   uintptr
}

// Firmware parses the boot blob handed off by firmware/bootloader.
type Firmware interface {
	// Parse extracts machine id, initrd bounds, and reserved ranges.
	Parse(blob []byte) (BootInfo, error)

	// RelocateDeviceTree is called once the kernel context exists, so the
	// firmware collaborator can map whatever ranges it still needs (spec.md
	// §4.2 startup sequence: "hand off the firmware blob ... so it can
	// relocate device-tree mappings").
	RelocateDeviceTree(mapper AddressMapper) error
}

// AddressMapper is the minimal slice of the address-space manager that
// Firmware and Loader collaborators are allowed to drive; it is satisfied
// by *virt.Context without importing internal/virt here (which would
// create an import cycle — collab sits below virt in the dependency
// order spec.md §2 describes).
type AddressMapper interface {
	MapAddress(va, pa uintptr, memType abi.MemoryType, flags abi.AccessFlags) error
}

// Loader maps a new process image — the ELF loader's sole contract with
// the kernel core (spec.md §1: "the ELF loader, treated as a black-box
// consumer of the memory API").
type Loader interface {
	// Load maps image into the address space reachable through mapper and
	// returns the entry point instruction address.
	Load(mapper AddressMapper, image io.ReaderAt, imageLen int64) (entry uintptr, err error)
}

// InitrdReader extracts a single file from the ramdisk tar — the initrd
// tar reader's sole contract with the kernel core.
type InitrdReader interface {
	// Lookup returns the contents of name within the tar spanning
	// [physStart, physEnd) of the physical arena.
	Lookup(physStart, physEnd uintptr, name string) ([]byte, error)
}
