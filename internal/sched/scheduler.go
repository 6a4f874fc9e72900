package sched

import (
	"sort"
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/task"
	"github.com/kestrel-os/kestrel/internal/virt"
)

// Scheduler is the single kernel-global scheduler instance (non-SMP,
// non-reentrant: spec.md §9 "Shared-resource policy").
type Scheduler struct {
	mu    sync.Mutex
	tasks *task.Manager
	vm    *virt.Manager

	nodes map[int]*queueNode

	current        *task.TCB
	currentProcess uint32
}

// New builds an empty scheduler over a task manager and virtual memory
// manager (the latter is needed to switch address-space context on a
// process change, spec.md §4.5 step v).
func New(tasks *task.Manager, vm *virt.Manager) *Scheduler {
	return &Scheduler{tasks: tasks, vm: vm, nodes: make(map[int]*queueNode)}
}

func (s *Scheduler) nodeLocked(priority int) *queueNode {
	n, ok := s.nodes[priority]
	if !ok {
		n = newQueueNode()
		s.nodes[priority] = n
	}
	return n
}

// Enqueue adds (pid, tid) to its priority's runnable list. Callers
// enqueue a thread whenever it becomes scheduler-eligible (created
// Ready, unblocked, etc.) — the queue holds a thread's slot for as long
// as it might become eligible again, not just while it currently is.
func (s *Scheduler) Enqueue(pid, tid uint32, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodeLocked(priority).push(pid, tid)
}

// Dequeue removes (pid, tid) from priority's list, e.g. on thread
// destruction.
func (s *Scheduler) Dequeue(pid, tid uint32, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[priority]; ok {
		n.remove(pid, tid)
	}
}

func (s *Scheduler) lookupThread(pid, tid uint32) (*task.TCB, bool) {
	p, ok := s.tasks.Process(pid)
	if !ok {
		return nil, false
	}
	return p.Thread(tid)
}

func (s *Scheduler) sortedPrioritiesLocked() []int {
	ps := make([]int, 0, len(s.nodes))
	for p := range s.nodes {
		ps = append(ps, p)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ps)))
	return ps
}

// next walks priority queues from highest to lowest, per spec.md §4.5
// "next()".
func (s *Scheduler) next() (*task.TCB, bool) {
	for _, priority := range s.sortedPrioritiesLocked() {
		n := s.nodes[priority]
		start, consumed := n.start()
		if consumed {
			continue
		}
		for e := start; e != nil; e = e.Next() {
			v := e.Value.(entry)
			th, ok := s.lookupThread(v.pid, v.tid)
			if !ok {
				continue
			}
			if th.State().SchedulerEligible() {
				return th, true
			}
		}
	}
	return nil, false
}

func (s *Scheduler) resetAllLastHandledLocked() {
	for _, n := range s.nodes {
		n.lastHandled = nil
	}
}

// recordLastHandledLocked marks th as the round-robin cursor in its
// own priority's queue.
func (s *Scheduler) recordLastHandledLocked(th *task.TCB) {
	n := s.nodeLocked(th.Priority)
	for e := n.entries.Front(); e != nil; e = e.Next() {
		v := e.Value.(entry)
		if v.pid == th.Pid && v.tid == th.Tid {
			n.lastHandled = e
			return
		}
	}
}

// Idle is returned by Schedule when no thread is runnable: the caller
// must re-enable interrupts, execute the architectural halt, and call
// Schedule again once an external event occurs. This host simulation
// cannot issue a real WFI, so the idle loop is expressed as a caller
// responsibility (see kestrel.Kernel.Run) rather than a blocking call
// inside Schedule itself.
type Idle struct{}

func (Idle) Error() string { return "sched: no runnable thread, enter idle loop" }

// Schedule implements spec.md §4.5's schedule(origin, context). A
// non-nil context means the exception that triggered this call
// originated from kernel code, and schedule is a no-op (the kernel is
// non-reentrant for scheduling decisions).
func (s *Scheduler) Schedule(origin abi.EventOrigin, context *abi.RegisterFrame) (*task.TCB, error) {
	if context != nil {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		switch s.current.State() {
		case task.Active:
			s.current.SetState(task.HaltSwitch)
		case task.RpcActive:
			s.current.SetState(task.RpcHaltSwitch)
		}
		s.recordLastHandledLocked(s.current)
	}

	next, ok := s.next()
	if !ok {
		// Every queue may only be consumed; reset the round-robin
		// cursors and look once more before going idle.
		s.resetAllLastHandledLocked()
		next, ok = s.next()
	}
	if !ok {
		s.current = nil
		s.currentProcess = 0
		return nil, Idle{}
	}

	switch next.State() {
	case task.RpcQueued, task.RpcHaltSwitch:
		next.SetState(task.RpcActive)
	default:
		next.SetState(task.Active)
	}

	if next.Pid != s.currentProcess {
		if p, ok := s.tasks.Process(next.Pid); ok {
			_ = s.vm.SetContext(p.Ctx)
			s.vm.FlushComplete()
		}
		s.currentProcess = next.Pid
	}
	s.current = next
	return next, nil
}

// Current returns the currently scheduled thread, or nil when idle.
func (s *Scheduler) Current() *task.TCB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
