package virt

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/phys"
)

// Manager owns every address-space Context and tracks which one is
// currently active, mirroring spec.md §4.2's context-table operations
// (create_context, destroy_context, fork_context, set_context, and the
// flush family). Grounded on original_source/bolthur/kernel/mm/virt.c's
// global context table plus the teacher's ctrl package for the
// "one active thing at a time, swap under a lock" shape.
type Manager struct {
	mu      sync.Mutex
	alloc   *phys.Allocator
	arch    Arch
	current *Context
}

// NewManager builds a Manager over an already-initialized physical
// allocator and architecture encoder.
func NewManager(alloc *phys.Allocator, arch Arch) (*Manager, error) {
	if !alloc.Ready() {
		return nil, fmt.Errorf("virt: allocator not initialized")
	}
	return &Manager{alloc: alloc, arch: arch}, nil
}

// CreateContext allocates a fresh, empty address space with its own
// temporary mapping window.
func (m *Manager) CreateContext(kind ContextType) (*Context, error) {
	ctx := &Context{
		kind:     kind,
		table:    make(map[uintptr]mapping),
		alloc:    m.alloc,
		arch:     m.arch,
		tempBase: constants.HeapStart - temporaryWindowSize,
		tempSize: temporaryWindowSize,
		tempUsed: make(map[uintptr]bool),
	}
	return ctx, nil
}

// temporaryWindowSize bounds how much VA space map_temporary may borrow
// from, placed just below the kernel heap per spec.md §4.3's layout.
const temporaryWindowSize = 64 * constants.PageSize

// DestroyContext releases every physical frame owned by ctx. If ctx is
// the currently active context, Current() becomes nil.
func (m *Manager) DestroyContext(ctx *Context) error {
	if ctx == nil {
		return fmt.Errorf("virt: destroy of nil context")
	}
	ctx.destroy()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == ctx {
		m.current = nil
	}
	return nil
}

// ForkContext duplicates ctx's mapping table onto freshly allocated
// physical frames (spec.md §4.2 fork semantics).
func (m *Manager) ForkContext(ctx *Context) (*Context, error) {
	if ctx == nil {
		return nil, fmt.Errorf("virt: fork of nil context")
	}
	dup, err := ctx.clone()
	if err != nil {
		return nil, err
	}
	return dup, nil
}

// SetContext switches the active address space.
func (m *Manager) SetContext(ctx *Context) error {
	if ctx == nil {
		return fmt.Errorf("virt: set_context with nil context")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = ctx
	return nil
}

// Current returns the active context, or nil if none has been set.
func (m *Manager) Current() *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// FlushComplete invalidates every cached translation for the active
// context. There is no simulated TLB to invalidate here — the map itself
// is always authoritative — so this exists to give callers a single,
// named point to invoke after a bulk re-map, matching the operation
// spec.md names even though this host simulation has nothing to flush.
func (m *Manager) FlushComplete() {
}

// FlushAddress invalidates any cached translation for a single va in
// ctx. Same no-op rationale as FlushComplete.
func (m *Manager) FlushAddress(ctx *Context, va uintptr) {
	_ = ctx
	_ = va
}
