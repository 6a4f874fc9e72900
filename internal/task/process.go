package task

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/virt"
)

// StackManager tracks outstanding thread-stack virtual addresses within
// a process so a destroyed thread's stack slot can be reused before
// growing the address space further (spec.md §3 "stack manager").
type StackManager struct {
	mu        sync.Mutex
	size      uintptr
	base      uintptr
	allocated map[uintptr]bool // base VA of each outstanding stack
	freed     []uintptr        // reusable slots, LIFO
}

// NewStackManager reserves stacks of a fixed size starting at base.
func NewStackManager(base, size uintptr) *StackManager {
	return &StackManager{base: base, size: size, allocated: make(map[uintptr]bool)}
}

// Acquire returns a free stack slot, reusing a freed one if available.
func (s *StackManager) Acquire() StackRange {
	s.mu.Lock()
	defer s.mu.Unlock()

	var top uintptr
	if n := len(s.freed); n > 0 {
		top = s.freed[n-1]
		s.freed = s.freed[:n-1]
	} else {
		top = s.base
		for s.allocated[top] {
			top += s.size
		}
	}
	s.allocated[top] = true
	return StackRange{Top: top, Bottom: top - s.size}
}

// Release returns a stack slot for reuse by a future Acquire.
func (s *StackManager) Release(top uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocated[top] {
		delete(s.allocated, top)
		s.freed = append(s.freed, top)
	}
}

// PCB is one process control block.
type PCB struct {
	mu sync.Mutex

	Pid      uint32
	Parent   uint32
	Priority int

	Ctx   *virt.Context
	Stack *StackManager

	threads map[uint32]*TCB
	nextTid uint32

	// RPC-facing fields the rpc engine reads and writes directly; kept
	// here rather than behind an interface since internal/rpc already
	// depends on this package for TCB/PCB and there is no cycle risk.
	RPCHandler uintptr
	RPCReady   bool
}

// NewPCB constructs an empty process.
func NewPCB(pid, parent uint32, priority int, ctx *virt.Context, stack *StackManager) *PCB {
	return &PCB{
		Pid:      pid,
		Parent:   parent,
		Priority: priority,
		Ctx:      ctx,
		Stack:    stack,
		threads:  make(map[uint32]*TCB),
		nextTid:  1,
	}
}

// CreateThread allocates a tid and stack slot and registers a new TCB.
func (p *PCB) CreateThread(entry uintptr) *TCB {
	p.mu.Lock()
	defer p.mu.Unlock()

	tid := p.nextTid
	p.nextTid++
	stack := p.Stack.Acquire()
	t := NewTCB(tid, p.Pid, p.Priority, entry, stack)
	p.threads[tid] = t
	return t
}

// DestroyThread removes a thread from the tree and releases its stack.
func (p *PCB) DestroyThread(tid uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.threads[tid]
	if !ok {
		return fmt.Errorf("task: no thread %d in process %d", tid, p.Pid)
	}
	delete(p.threads, tid)
	p.Stack.Release(t.Stack.Top)
	return nil
}

// Thread looks up a tid, validated against the live tree — the
// mechanism spec.md §9 requires so a priority queue's stale (pid, tid)
// entry becomes a clean miss instead of a dangling pointer.
func (p *PCB) Thread(tid uint32) (*TCB, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.threads[tid]
	return t, ok
}

// FirstThread returns an arbitrary (iteration-order) thread, used when
// an RPC's target_thread hint is absent (spec.md §4.6 step 1).
func (p *PCB) FirstThread() (*TCB, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.threads {
		return t, true
	}
	return nil, false
}

// Threads returns a snapshot of every thread, for iteration that must
// not hold the PCB lock across RPC/scheduler calls.
func (p *PCB) Threads() []*TCB {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*TCB, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// ThreadCount reports how many threads remain, used to decide whether
// an interrupt-subscribing process still has anything runnable.
func (p *PCB) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}
