// Package heap implements the kernel heap (spec.md §4.3): an Early
// bump/free-list allocator that runs before virtual memory is up, and a
// Normal general allocator that takes over once the kernel's own address
// space can grow on demand via Sbrk.
//
// Grounded on original_source/bolthur/kernel/mm/heap.c's two-state
// design (HEAP_INIT_EARLY / HEAP_INIT_NORMAL) and its single free-list
// block allocator with alignment-aware splitting. The Normal state here
// is a plain first-fit free list rather than a full dlmalloc port — the
// original itself says as much ("initial heap supports only simple free
// without block merging"); this package carries that same simplicity
// into both states rather than reimplementing a size-classed allocator
// like other_examples' cloudfly-readgo malloc.go, which models the Go
// runtime's own tcmalloc-derived allocator and is a different scale of
// problem than a single kernel's bump heap.
package heap

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/virt"
)

// State mirrors heap_init_state_t: Early runs on a fixed arena before
// virt/phys demand paging is available, Normal grows via Sbrk.
type State int

const (
	Early State = iota
	Normal
)

func (s State) String() string {
	if s == Normal {
		return "normal"
	}
	return "early"
}

// block is one free or allocated region. address always points past the
// block header itself, matching the original's "header immediately
// precedes payload" layout.
type block struct {
	address uintptr
	size    uintptr
	next    *block
	prev    *block
}

// Manager is the kernel heap singleton. A process boots with exactly
// one, built by New and promoted via PromoteNormal.
type Manager struct {
	mu sync.Mutex

	state State
	start uintptr
	end   uintptr

	free *block
	used *block

	ctx *virt.Context
}

// HeapError distinguishes allocator failure kinds the way AllocError
// does for internal/phys.
type HeapError string

func (e HeapError) Error() string { return string(e) }

const (
	ErrNoSpace        HeapError = "heap: no free block satisfies the request"
	ErrNotInitialized HeapError = "heap: manager not initialized"
	ErrUnknownAddress HeapError = "heap: address not owned by this heap"
)

// New builds the Early-state heap manager directly on top of a
// caller-supplied arena (standing in for the linker-provided
// __initial_heap_start/__initial_heap_end region the original reserves
// statically before paging exists).
func New(arena []byte) (*Manager, error) {
	if len(arena) == 0 {
		return nil, fmt.Errorf("heap: empty early arena")
	}
	start := uintptr(0)
	end := uintptr(len(arena))

	m := &Manager{
		state: Early,
		start: start,
		end:   end,
	}
	m.free = &block{address: start, size: end - start}
	return m, nil
}

// PromoteNormal transitions the heap to the Normal state: it reserves
// and demand-maps HeapMinSize bytes of kernel virtual address space
// starting at constants.HeapStart and folds that range into the free
// list, mirroring heap_init(HEAP_INIT_NORMAL)'s sbrk reservation loop.
func (m *Manager) PromoteNormal(ctx *virt.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == Normal {
		return nil
	}

	if err := ctx.MapAddressRangeRandom(
		constants.HeapStart,
		constants.HeapMinSize/constants.PageSize,
		abi.MemoryNormalNoCache,
		abi.AccessRead|abi.AccessWrite,
	); err != nil {
		return fmt.Errorf("heap: promote to normal: %w", err)
	}

	m.ctx = ctx
	m.state = Normal
	m.start = constants.HeapStart
	m.end = constants.HeapStart + constants.HeapMinSize

	grown := &block{address: m.start, size: m.end - m.start}
	m.pushFreeLocked(grown)
	return nil
}

// State reports which phase the heap is in.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) pushFreeLocked(b *block) {
	b.next = m.free
	b.prev = nil
	if m.free != nil {
		m.free.prev = b
	}
	m.free = b
}

func (m *Manager) pushUsedLocked(b *block) {
	b.next = m.used
	b.prev = nil
	if m.used != nil {
		m.used.prev = b
	}
	m.used = b
}

func unlink(head **block, b *block) {
	if b.next != nil {
		b.next.prev = b.prev
	}
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		*head = b.next
	}
	b.next, b.prev = nil, nil
}

// Allocate finds a free block of at least size bytes whose payload
// satisfies alignment, splitting off the unused remainder (and any
// misaligned prefix) back onto the free list. Ported directly from
// heap_allocate's split logic.
func (m *Manager) Allocate(alignment, size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: zero-size allocation")
	}
	if alignment == 0 {
		alignment = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	const headerSize = 0 // Go blocks are tracked out-of-line; no in-arena header to skip.

	var current *block
	for c := m.free; c != nil; c = c.next {
		if size > c.size {
			continue
		}
		rem := c.address % alignment
		if rem == 0 {
			current = c
			break
		}
		offset := alignment - rem
		if c.size > offset+size {
			current = c
			break
		}
	}
	if current == nil {
		return 0, ErrNoSpace
	}

	unlink(&m.free, current)

	rem := current.address % alignment
	if rem != 0 {
		offset := alignment - rem
		newBlock := &block{
			address: current.address + offset,
			size:    current.size - offset,
		}
		current.size = offset
		m.pushFreeLocked(current)
		current = newBlock
	}

	if current.size > size+headerSize {
		tail := &block{
			address: current.address + size,
			size:    current.size - size,
		}
		m.pushFreeLocked(tail)
		current.size = size
	}

	m.pushUsedLocked(current)
	return current.address, nil
}

// Free returns addr's block to the free list without coalescing —
// the same "simple free" behavior the original documents for its
// initial heap and carries through to the Normal state here.
func (m *Manager) Free(addr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for c := m.used; c != nil; c = c.next {
		if c.address == addr {
			unlink(&m.used, c)
			m.pushFreeLocked(c)
			return nil
		}
	}
	return ErrUnknownAddress
}

// Sbrk grows the Normal-state heap by increment bytes (rounded up to a
// whole page), mapping freshly allocated physical pages into the
// kernel context and folding the new range onto the free list. Shrink
// (negative increment) is not supported, matching the original's
// "@todo add support for decrease".
func (m *Manager) Sbrk(increment uintptr) (uintptr, error) {
	m.mu.Lock()
	if m.state != Normal {
		m.mu.Unlock()
		return 0, ErrNotInitialized
	}
	oldEnd := m.end
	pages := int((increment + constants.PageSize - 1) / constants.PageSize)
	ctx := m.ctx
	m.mu.Unlock()

	if err := ctx.MapAddressRangeRandom(oldEnd, pages, abi.MemoryNormalNoCache, abi.AccessRead|abi.AccessWrite); err != nil {
		return 0, fmt.Errorf("heap: sbrk map failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	grown := uintptr(pages) * constants.PageSize
	m.end = oldEnd + grown
	m.pushFreeLocked(&block{address: oldEnd, size: grown})
	return oldEnd, nil
}
