package task

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/virt"
)

// Manager is the kernel-global process tree (spec.md §9 "Global mutable
// state": "a single kernel-global struct accessed through a well-defined
// interface"). Pid 1 receives no special treatment here — spec.md notes
// the kernel itself does not special-case init.
type Manager struct {
	mu      sync.Mutex
	virt    *virt.Manager
	procs   map[uint32]*PCB
	nextPid uint32
}

// NewManager builds an empty process tree over a virtual memory manager.
func NewManager(vm *virt.Manager) *Manager {
	return &Manager{virt: vm, procs: make(map[uint32]*PCB), nextPid: 1}
}

// CreateProcess allocates a pid, a fresh user address space, and a
// stack manager, and registers the PCB.
func (m *Manager) CreateProcess(parent uint32, priority int) (*PCB, error) {
	ctx, err := m.virt.CreateContext(virt.User)
	if err != nil {
		return nil, fmt.Errorf("task: create process: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pid := m.nextPid
	m.nextPid++

	stackMgr := NewStackManager(constants.UserAreaEnd-constants.HeapMinSize, constants.HeapMinSize/8)
	p := NewPCB(pid, parent, priority, ctx, stackMgr)
	m.procs[pid] = p
	return p, nil
}

// DestroyProcess tears down a process's address space and removes it
// from the tree.
func (m *Manager) DestroyProcess(pid uint32) error {
	m.mu.Lock()
	p, ok := m.procs[pid]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task: no process %d", pid)
	}
	delete(m.procs, pid)
	m.mu.Unlock()

	return m.virt.DestroyContext(p.Ctx)
}

// Process looks up a pid.
func (m *Manager) Process(pid uint32) (*PCB, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[pid]
	return p, ok
}

// ForkProcess duplicates a process's address space (via virt.Manager's
// copy-on-fork semantics) into a brand new PCB with no threads; the
// caller creates the forked thread itself (spec.md doesn't define an
// implicit entry thread for fork the way it does for replace).
func (m *Manager) ForkProcess(parentPid uint32) (*PCB, error) {
	m.mu.Lock()
	parent, ok := m.procs[parentPid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task: no process %d", parentPid)
	}

	childCtx, err := m.virt.ForkContext(parent.Ctx)
	if err != nil {
		return nil, fmt.Errorf("task: fork process: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	pid := m.nextPid
	m.nextPid++

	stackMgr := NewStackManager(constants.UserAreaEnd-constants.HeapMinSize, constants.HeapMinSize/8)
	child := NewPCB(pid, parentPid, parent.Priority, childCtx, stackMgr)
	child.RPCHandler = parent.RPCHandler
	m.procs[pid] = child
	return child, nil
}

// ReplaceProcess implements exec (spec.md §4.5 "Process replace"): the
// PCB survives, its virtual context, thread tree, and stack manager are
// torn down and rebuilt, and a single new thread is created at entry.
// Loading argv/env and the new image is the caller's responsibility
// (delegated to collab.Loader), since Manager only owns lifecycle, not
// image parsing.
func (m *Manager) ReplaceProcess(pid uint32, entry uintptr) (*TCB, error) {
	m.mu.Lock()
	p, ok := m.procs[pid]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("task: no process %d", pid)
	}

	if err := m.virt.DestroyContext(p.Ctx); err != nil {
		return nil, fmt.Errorf("task: replace process: destroy old context: %w", err)
	}
	newCtx, err := m.virt.CreateContext(virt.User)
	if err != nil {
		return nil, fmt.Errorf("task: replace process: new context: %w", err)
	}

	p.mu.Lock()
	p.Ctx = newCtx
	p.threads = make(map[uint32]*TCB)
	p.nextTid = 1
	p.Stack = NewStackManager(constants.UserAreaEnd-constants.HeapMinSize, constants.HeapMinSize/8)
	p.mu.Unlock()

	return p.CreateThread(entry), nil
}
