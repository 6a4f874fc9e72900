package rpc

import (
	"github.com/kestrel-os/kestrel/internal/task"
)

// ProcessSubscriber adapts a process to interrupt.Subscriber without
// internal/interrupt needing to import internal/task or internal/rpc:
// firing an interrupt becomes a dataless, asynchronous RPC raised into
// the subscribing process (spec.md §4.4, "subscribing processes
// forwarded an RPC per firing").
type ProcessSubscriber struct {
	Engine *Engine
	Pcb    *task.PCB
}

// RaiseInterruptRPC delivers a dataless async RPC whose type is
// interruptNum.
func (s ProcessSubscriber) RaiseInterruptRPC(interruptNum uint32) error {
	_, err := s.Engine.Raise(0, 0, s.Pcb.Pid, nil, interruptNum, nil, true, false, 0)
	return err
}

// HasRunnableThread reports whether the subscribing process still has
// any thread, so the registry can prune it once it's torn down.
func (s ProcessSubscriber) HasRunnableThread() bool {
	return s.Pcb.ThreadCount() > 0
}

// ProcessCallbackTarget adapts a specific thread to timer.CallbackTarget,
// so a registered timer callback can raise an RPC straight at the thread
// that asked for it (spec.md §4.7, §8 scenario 5) without internal/timer
// importing internal/rpc or internal/task.
type ProcessCallbackTarget struct {
	Engine *Engine
	Pcb    *task.PCB
	Tid    uint32
}

// RaiseCallbackRPC delivers rpcNumber as a dataless async RPC targeted at
// the registering thread.
func (s ProcessCallbackTarget) RaiseCallbackRPC(rpcNumber uint32) error {
	tid := s.Tid
	_, err := s.Engine.Raise(0, 0, s.Pcb.Pid, &tid, rpcNumber, nil, true, false, 0)
	return err
}
