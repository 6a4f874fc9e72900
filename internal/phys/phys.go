// Package phys implements the bitmap physical page allocator (spec.md
// §4.1): two parallel bitmaps (live, check) per pool, a disjoint DMA
// sub-window, and the index-first/LSB-first free-page search.
package phys

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/collab"
	"github.com/kestrel-os/kestrel/internal/constants"
)

// Pool selects which bitmap a search or reservation targets.
type Pool int

const (
	Normal Pool = iota
	DMA
)

func (p Pool) String() string {
	if p == DMA {
		return "dma"
	}
	return "normal"
}

// pages holds the live/check bitmap pair for one pool.
type pages struct {
	live  *bitmap
	check *bitmap
	base  uintptr // physical address of page index 0 within this pool
}

// Allocator is the kernel-global physical page allocator. There is
// normally exactly one, constructed at boot and gated by Ready until Init
// has run (spec.md §4.1: "phys_init_get() must gate any allocator use").
type Allocator struct {
	mu sync.Mutex

	normal pages
	dma    pages

	dmaStart uintptr
	dmaEnd   uintptr
	memEnd   uintptr

	ready bool
}

// New constructs an allocator over physical address range [0, memEnd) with
// a DMA sub-window [dmaStart, dmaEnd). The DMA window must lie below
// memEnd and the normal pool begins at dmaEnd, so the two pools are
// disjoint by construction.
func New(memEnd, dmaStart, dmaEnd uintptr) (*Allocator, error) {
	if dmaStart > dmaEnd || dmaEnd > memEnd {
		return nil, fmt.Errorf("phys: invalid dma window [%#x,%#x) within [0,%#x)", dmaStart, dmaEnd, memEnd)
	}
	dmaPages := int((dmaEnd - dmaStart) / constants.PageSize)
	normalPages := int((memEnd - dmaEnd) / constants.PageSize)

	return &Allocator{
		normal: pages{live: newBitmap(normalPages), check: newBitmap(normalPages), base: dmaEnd},
		dma:    pages{live: newBitmap(dmaPages), check: newBitmap(dmaPages), base: dmaStart},
		dmaStart: dmaStart,
		dmaEnd:   dmaEnd,
		memEnd:   memEnd,
	}, nil
}

// Ready reports whether Init has completed; callers must gate all other
// methods on this (spec.md §4.1).
func (a *Allocator) Ready() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ready
}

// Init marks the kernel image, the initrd (if present), and any
// arch-reported reservations used, then opens the allocator for business
// (spec.md §4.1 startup sequence).
func (a *Allocator) Init(kernelEnd uintptr, info collab.BootInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.useRangeLocked(0, kernelEnd); err != nil {
		return fmt.Errorf("phys: reserve kernel image: %w", err)
	}
	if info.InitrdPhysEnd > info.InitrdPhysStart {
		if err := a.useRangeLocked(info.InitrdPhysStart, info.InitrdPhysEnd); err != nil {
			return fmt.Errorf("phys: reserve initrd: %w", err)
		}
	}
	for _, r := range info.Reserved {
		if err := a.useRangeLocked(r.Start, r.End); err != nil {
			return fmt.Errorf("phys: reserve arch range [%#x,%#x): %w", r.Start, r.End, err)
		}
	}

	a.ready = true
	return nil
}

func (a *Allocator) poolFor(addr uintptr) (*pages, int, error) {
	if addr >= a.dmaStart && addr < a.dmaEnd {
		idx := int((addr - a.dmaStart) / constants.PageSize)
		return &a.dma, idx, nil
	}
	if addr >= a.dmaEnd && addr < a.memEnd {
		idx := int((addr - a.dmaEnd) / constants.PageSize)
		return &a.normal, idx, nil
	}
	return nil, 0, fmt.Errorf("phys: address %#x out of range", addr)
}

func (a *Allocator) poolByKind(pool Pool) *pages {
	if pool == DMA {
		return &a.dma
	}
	return &a.normal
}

// MarkUsed sets the live and check bits for the page at addr.
func (a *Allocator) MarkUsed(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, idx, err := a.poolFor(addr)
	if err != nil {
		return err
	}
	p.live.set(idx)
	p.check.set(idx)
	return nil
}

// MarkFree is the guarded low-level primitive: it clears the live bit only
// if the check bit is already clear, i.e. no reservation is still
// outstanding on this page (spec.md §9 open question resolution — see
// DESIGN.md). If the check bit is set, MarkFree is a no-op and returns
// ErrStillReserved.
func (a *Allocator) MarkFree(addr uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, idx, err := a.poolFor(addr)
	if err != nil {
		return err
	}
	if p.check.test(idx) {
		return ErrStillReserved
	}
	p.live.clear(idx)
	return nil
}

// FreePage fully releases a page: it relinquishes the caller's
// reservation (clears check) and then runs it through MarkFree, so the
// live bit only survives if some other owner re-reserved the page between
// the two steps.
func (a *Allocator) FreePage(addr uintptr) error {
	a.mu.Lock()
	p, idx, err := a.poolFor(addr)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	p.check.clear(idx)
	a.mu.Unlock()
	return a.MarkFree(addr)
}

// FreePageRange calls FreePage for every page in [addr, addr+size).
func (a *Allocator) FreePageRange(addr uintptr, size uintptr) error {
	for off := uintptr(0); off < size; off += constants.PageSize {
		if err := a.FreePage(addr + off); err != nil {
			return err
		}
	}
	return nil
}

// IsRangeUsed reports whether any page within [addr, addr+size) has its
// live bit set.
func (a *Allocator) IsRangeUsed(addr uintptr, size uintptr) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for off := uintptr(0); off < size; off += constants.PageSize {
		p, idx, err := a.poolFor(addr + off)
		if err != nil {
			return false, err
		}
		if p.live.test(idx) {
			return true, nil
		}
	}
	return false, nil
}

// UsePageRange marks every page within [addr, addr+size) used,
// idempotently — callers performing startup reservations may legitimately
// re-mark an already-used page.
func (a *Allocator) UsePageRange(addr uintptr, size uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.useRangeLocked(addr, addr+size)
}

func (a *Allocator) useRangeLocked(start, end uintptr) error {
	for addr := start; addr < end; addr += constants.PageSize {
		p, idx, err := a.poolFor(addr)
		if err != nil {
			return err
		}
		p.live.set(idx)
		p.check.set(idx)
	}
	return nil
}

// FindFreePage finds and reserves the lowest free page satisfying
// alignment within pool. The live (and check) bit is set before return,
// closing the window in which a concurrent search could see it as free
// (spec.md invariant A).
func (a *Allocator) FindFreePage(alignment uintptr, pool Pool) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.poolByKind(pool)

	for wi := range p.live.words {
		if p.live.wordFull(wi) {
			continue
		}
		for bit := 0; bit < 64; bit++ {
			idx := wi*64 + bit
			if idx >= p.live.bits {
				break
			}
			if p.live.test(idx) {
				continue
			}
			addr := p.base + uintptr(idx)*constants.PageSize
			if alignment != 0 && addr%alignment != 0 {
				// Misaligned candidate: the search continues past it
				// without marking it, per spec.md §4.1.
				continue
			}
			p.live.set(idx)
			p.check.set(idx)
			return addr, nil
		}
	}
	return 0, ErrOutOfMemory
}

// FindFreePageRange finds a contiguous run of ceil(size/PageSize) free
// pages, aligned on alignment, within pool. The running-count search
// resets on any used bit, per spec.md §4.1.
func (a *Allocator) FindFreePageRange(alignment uintptr, size uintptr, pool Pool) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.poolByKind(pool)

	count := int((size + constants.PageSize - 1) / constants.PageSize)
	if count <= 0 {
		return 0, fmt.Errorf("phys: invalid range size %d", size)
	}

	run := 0
	for idx := 0; idx < p.live.bits; idx++ {
		if p.live.test(idx) {
			run = 0
			continue
		}
		if run == 0 {
			base := p.base + uintptr(idx)*constants.PageSize
			if alignment != 0 && base%alignment != 0 {
				continue
			}
		}
		run++
		if run == count {
			startIdx := idx - count + 1
			for i := startIdx; i <= idx; i++ {
				p.live.set(i)
				p.check.set(i)
			}
			return p.base + uintptr(startIdx)*constants.PageSize, nil
		}
	}
	return 0, ErrOutOfMemory
}

// AllocError distinguishes resource-exhaustion and reservation-conflict
// failures (spec.md §7).
type AllocError string

func (e AllocError) Error() string { return string(e) }

const (
	ErrOutOfMemory    AllocError = "phys: no free page satisfies the request"
	ErrStillReserved  AllocError = "phys: page has an outstanding reservation"
)
