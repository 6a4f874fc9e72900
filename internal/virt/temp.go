package virt

import (
	"fmt"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/constants"
)

// MapTemporary maps pa into this context's reserved temporary window and
// returns the kernel virtual address, valid only until the matching
// UnmapTemporary. Reentrant only if the regions requested do not overlap
// (spec.md §4.2).
func (c *Context) MapTemporary(pa uintptr, size uintptr) (uintptr, error) {
	pages := int((size + constants.PageSize - 1) / constants.PageSize)

	c.mu.Lock()
	va, ok := c.findFreeTempRunLocked(pages)
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("virt: temporary window exhausted")
	}
	for i := 0; i < pages; i++ {
		c.tempUsed[va+uintptr(i)*constants.PageSize] = true
	}
	c.mu.Unlock()

	if err := c.MapAddressRange(va, pa, pages, abi.MemoryNormalNoCache, abi.AccessRead|abi.AccessWrite); err != nil {
		c.mu.Lock()
		for i := 0; i < pages; i++ {
			delete(c.tempUsed, va+uintptr(i)*constants.PageSize)
		}
		c.mu.Unlock()
		return 0, err
	}
	return va, nil
}

// UnmapTemporary releases a window previously returned by MapTemporary.
// The backing physical page is never freed here — MapTemporary never
// allocated it, it only borrowed a window onto a caller-supplied frame.
func (c *Context) UnmapTemporary(va uintptr, size uintptr) error {
	pages := int((size + constants.PageSize - 1) / constants.PageSize)
	if err := c.UnmapAddressRange(va, pages, false); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < pages; i++ {
		delete(c.tempUsed, va+uintptr(i)*constants.PageSize)
	}
	return nil
}

// findFreeTempRunLocked finds `pages` contiguous unused slots in the
// temporary window. Caller holds c.mu.
func (c *Context) findFreeTempRunLocked(pages int) (uintptr, bool) {
	run := 0
	runStart := c.tempBase
	maxVA := c.tempBase + c.tempSize
	for va := c.tempBase; va < maxVA; va += constants.PageSize {
		if c.tempUsed[va] {
			run = 0
			runStart = va + constants.PageSize
			continue
		}
		if run == 0 {
			runStart = va
		}
		run++
		if run == pages {
			return runStart, true
		}
	}
	return 0, false
}
