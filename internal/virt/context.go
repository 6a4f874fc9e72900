// Package virt implements the address-space manager (spec.md §4.2): page
// table contexts, range map/unmap with all-or-nothing rollback, fork/
// destroy, and the temporary mapping window used for short-lived kernel
// access to arbitrary physical frames.
//
// Grounded on original_source/bolthur/kernel/mm/virt.c for the operation
// list and on other_examples' gopher-os vmm.go and biscuit's vm/as.go for
// an idiomatic Go map-backed page table in place of a real walked
// multi-level table (spec.md explicitly delegates the table format to the
// arch layer).
package virt

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/phys"
)

// ContextType distinguishes the two address-space variants (spec.md §3).
type ContextType int

const (
	Kernel ContextType = iota
	User
)

// mapping is one page-table entry: a (physical address, memory type,
// access flags) triple keyed externally by virtual page number.
type mapping struct {
	pa      uintptr
	memType abi.MemoryType
	flags   abi.AccessFlags
}

// Context owns one address space's page table and temporary mapping
// window. Destroying a context releases every physical frame its table
// still references (spec.md §3 "scope-lifetime invariant").
type Context struct {
	mu    sync.Mutex
	kind  ContextType
	table map[uintptr]mapping // keyed by page-aligned VA

	alloc *phys.Allocator
	arch  Arch

	tempBase uintptr
	tempSize uintptr
	tempUsed map[uintptr]bool // page-aligned VA within the temp window, true if occupied
}

// pageAlign rounds va down to the start of its containing page.
func pageAlign(va uintptr) uintptr {
	return va &^ (constants.PageSize - 1)
}

// MinAddress returns the lowest valid virtual address for this context.
//
// For a Kernel context this returns KernelAreaStart even though the
// kernel image itself is identity-mapped below that boundary during early
// bring-up (see spec.md §9 open question) — DESIGN.md records this as a
// deliberate port of the original's unconditional behavior rather than a
// bug fix, since spec.md does not direct a change and original_source
// does it unconditionally.
func (c *Context) MinAddress() uintptr {
	if c.kind == Kernel {
		return constants.KernelAreaStart
	}
	return constants.UserAreaStart
}

// MaxAddress returns the highest valid virtual address for this context.
func (c *Context) MaxAddress() uintptr {
	if c.kind == Kernel {
		return constants.KernelAreaEnd
	}
	return constants.UserAreaEnd
}

func (c *Context) inRange(va uintptr) bool {
	return va >= c.MinAddress() && va <= c.MaxAddress()
}

// IsMapped reports whether va has a mapping in this context.
func (c *Context) IsMapped(va uintptr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.table[pageAlign(va)]
	return ok
}

// GetMappedAddress returns the physical address backing va, if mapped.
func (c *Context) GetMappedAddress(va uintptr) (uintptr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.table[pageAlign(va)]
	if !ok {
		return 0, false
	}
	return m.pa + (va - pageAlign(va)), true
}

// IsMappedRange reports whether every page within [va, va+size) is mapped.
func (c *Context) IsMappedRange(va uintptr, size uintptr) bool {
	for off := uintptr(0); off < size; off += constants.PageSize {
		if !c.IsMapped(va + off) {
			return false
		}
	}
	return true
}

// MapAddress installs a single page mapping.
func (c *Context) MapAddress(va, pa uintptr, memType abi.MemoryType, flags abi.AccessFlags) error {
	if !c.inRange(va) {
		return fmt.Errorf("virt: va %#x outside context range [%#x,%#x]", va, c.MinAddress(), c.MaxAddress())
	}
	if _, err := c.arch.EncodeAttrs(memType, flags); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table[pageAlign(va)] = mapping{pa: pageAlign(pa), memType: memType, flags: flags}
	return nil
}

// MapAddressRandom maps va to a freshly allocated physical page.
func (c *Context) MapAddressRandom(va uintptr, memType abi.MemoryType, flags abi.AccessFlags) (uintptr, error) {
	pool := phys.Normal
	if memType == abi.MemoryDevice || memType == abi.MemoryStrongDevice {
		pool = phys.DMA
	}
	pa, err := c.alloc.FindFreePage(constants.PageSize, pool)
	if err != nil {
		return 0, err
	}
	if err := c.MapAddress(va, pa, memType, flags); err != nil {
		_ = c.alloc.FreePage(pa)
		return 0, err
	}
	return pa, nil
}

// MapAddressRange maps n contiguous pages starting at va to pa. On
// failure at page k, every page mapped so far in this call is unmapped
// before the error is returned (spec.md invariant B).
func (c *Context) MapAddressRange(va, pa uintptr, n int, memType abi.MemoryType, flags abi.AccessFlags) error {
	mapped := 0
	for i := 0; i < n; i++ {
		off := uintptr(i) * constants.PageSize
		if err := c.MapAddress(va+off, pa+off, memType, flags); err != nil {
			c.rollback(va, mapped, false)
			return fmt.Errorf("virt: map range failed at page %d: %w", i, err)
		}
		mapped++
	}
	return nil
}

// MapAddressRangeRandom maps n pages at freshly allocated physical frames,
// with the same all-or-nothing rollback as MapAddressRange.
func (c *Context) MapAddressRangeRandom(va uintptr, n int, memType abi.MemoryType, flags abi.AccessFlags) error {
	mapped := 0
	for i := 0; i < n; i++ {
		off := uintptr(i) * constants.PageSize
		if _, err := c.MapAddressRandom(va+off, memType, flags); err != nil {
			c.rollback(va, mapped, true)
			return fmt.Errorf("virt: map random range failed at page %d: %w", i, err)
		}
		mapped++
	}
	return nil
}

func (c *Context) rollback(va uintptr, mappedPages int, freePhys bool) {
	for i := 0; i < mappedPages; i++ {
		_ = c.UnmapAddress(va+uintptr(i)*constants.PageSize, freePhys)
	}
}

// UnmapAddress removes a single mapping. When freePhys is true the
// backing physical page is returned to the allocator — callers of the
// *Random mapping family must pass true here to avoid leaking frames,
// while callers mapping caller-owned physical ranges must pass false
// (spec.md §4.2).
func (c *Context) UnmapAddress(va uintptr, freePhys bool) error {
	c.mu.Lock()
	m, ok := c.table[pageAlign(va)]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("virt: va %#x not mapped", va)
	}
	delete(c.table, pageAlign(va))
	c.mu.Unlock()

	if freePhys {
		return c.alloc.FreePage(m.pa)
	}
	return nil
}

// UnmapAddressRange unmaps n contiguous pages starting at va.
func (c *Context) UnmapAddressRange(va uintptr, n int, freePhys bool) error {
	for i := 0; i < n; i++ {
		if err := c.UnmapAddress(va+uintptr(i)*constants.PageSize, freePhys); err != nil {
			return err
		}
	}
	return nil
}

// FindFreePageRange searches this context's address range, starting at
// hintStart, for size contiguous unmapped bytes, and returns its base VA.
func (c *Context) FindFreePageRange(size uintptr, hintStart uintptr) (uintptr, error) {
	pages := int((size + constants.PageSize - 1) / constants.PageSize)
	start := hintStart
	if start < c.MinAddress() {
		start = c.MinAddress()
	}

	run := 0
	runStart := start
	for va := start; va+constants.PageSize <= c.MaxAddress()+1; va += constants.PageSize {
		if c.IsMapped(va) {
			run = 0
			runStart = va + constants.PageSize
			continue
		}
		if run == 0 {
			runStart = va
		}
		run++
		if run == pages {
			return runStart, nil
		}
	}
	return 0, fmt.Errorf("virt: no free range of %d pages found", pages)
}

// destroy releases every frame owned by this context's table. Called by
// Manager.DestroyContext.
func (c *Context) destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for va, m := range c.table {
		_ = c.alloc.FreePage(m.pa)
		delete(c.table, va)
	}
}

// clone copies every mapping onto a freshly allocated physical frame,
// keeping its memory type and access flags (spec.md §4.2 fork
// semantics). Page contents are not copied, since internal/phys models
// no backing bytes, and every entry gets a fresh frame: a frame mapped
// into several contexts is not kept shared in the clone.
func (c *Context) clone() (*Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dup := &Context{
		kind:     c.kind,
		table:    make(map[uintptr]mapping, len(c.table)),
		alloc:    c.alloc,
		arch:     c.arch,
		tempBase: c.tempBase,
		tempSize: c.tempSize,
		tempUsed: make(map[uintptr]bool),
	}
	for va, m := range c.table {
		newPA, err := c.alloc.FindFreePage(constants.PageSize, phys.Normal)
		if err != nil {
			dup.destroy()
			return nil, fmt.Errorf("virt: fork out of memory: %w", err)
		}
		dup.table[va] = mapping{pa: newPA, memType: m.memType, flags: m.flags}
	}
	return dup, nil
}
