// Package task implements the process/thread manager (spec.md §3
// "Process (PCB)" / "Thread (TCB)", §4.6's process-lifecycle
// operations): PCBs own an address-space context, a thread tree keyed
// by tid, and a stack manager; TCBs carry the scheduler-visible state
// machine. The priority queues that reference these threads live in
// internal/sched, as non-owning (pid, tid) pairs validated against this
// package on every dereference (spec.md §9 "Cyclic graphs").
//
// Grounded on original_source/bolthur/kernel/task/process.c and
// thread.c for the field list and state names, and on the teacher's
// internal/queue/runner.go TagState pattern (a small closed state enum
// transitioned under a per-entity mutex) for the idiomatic-Go shape of
// ThreadState.
package task

import (
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
)

// ThreadState is the TCB state machine of spec.md §3.
type ThreadState int

const (
	Init ThreadState = iota
	Ready
	Active
	HaltSwitch
	Kill
	RpcActive
	RpcHaltSwitch
	RpcQueued
	RpcWaitForReturn
	RpcWaitForCall
	RpcWaitForReady
)

func (s ThreadState) String() string {
	switch s {
	case Init:
		return "init"
	case Ready:
		return "ready"
	case Active:
		return "active"
	case HaltSwitch:
		return "halt-switch"
	case Kill:
		return "kill"
	case RpcActive:
		return "rpc-active"
	case RpcHaltSwitch:
		return "rpc-halt-switch"
	case RpcQueued:
		return "rpc-queued"
	case RpcWaitForReturn:
		return "rpc-wait-for-return"
	case RpcWaitForCall:
		return "rpc-wait-for-call"
	case RpcWaitForReady:
		return "rpc-wait-for-ready"
	default:
		return "unknown"
	}
}

// SchedulerEligible reports whether a thread in this state may be
// picked by the scheduler (spec.md §3: "Only Ready, HaltSwitch,
// RpcQueued, and RpcHaltSwitch are eligible for scheduling.").
func (s ThreadState) SchedulerEligible() bool {
	switch s {
	case Ready, HaltSwitch, RpcQueued, RpcHaltSwitch:
		return true
	default:
		return false
	}
}

// StackRange is a thread's virtual stack window, high address first
// per the usual downward-growing ARM stack convention.
type StackRange struct {
	Top    uintptr
	Bottom uintptr
}

// TCB is one thread control block.
type TCB struct {
	mu sync.Mutex

	Tid      uint32
	Pid      uint32
	Priority int
	Stack    StackRange
	Entry    uintptr

	Context *abi.RegisterFrame

	state      ThreadState
	savedState ThreadState
	stateData  []byte
}

// NewTCB constructs a thread in Init state.
func NewTCB(tid, pid uint32, priority int, entry uintptr, stack StackRange) *TCB {
	return &TCB{
		Tid:      tid,
		Pid:      pid,
		Priority: priority,
		Stack:    stack,
		Entry:    entry,
		Context:  &abi.RegisterFrame{PC: uint32(entry), SP: uint32(stack.Top)},
		state:    Init,
	}
}

// State returns the current scheduler state.
func (t *TCB) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the thread unconditionally. Validating legal
// transitions is the scheduler's and RPC engine's responsibility (they
// know the context of the transition); TCB itself just stores it.
func (t *TCB) SetState(s ThreadState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// Block saves the current state as the one to restore on unblock and
// stores opaque matching data (e.g. the data_id an RPC wait is keyed
// on), then moves to blocked.
func (t *TCB) Block(blocked ThreadState, stateData []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.savedState = t.state
	t.stateData = stateData
	t.state = blocked
}

// Unblock restores the saved state and returns the state data that was
// recorded at Block time.
func (t *TCB) Unblock() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.stateData
	t.state = t.savedState
	t.stateData = nil
	return data
}

// StateData returns the opaque blocking payload without altering state.
func (t *TCB) StateData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateData
}

// Restore installs a state and its state data directly, bypassing the
// saved/savedState bookkeeping Block/Unblock use. The RPC engine calls
// this to put a thread back exactly as an earlier backup recorded it.
func (t *TCB) Restore(state ThreadState, stateData []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.stateData = stateData
}
