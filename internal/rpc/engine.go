package rpc

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/task"
)

// Engine wires the data queues, backup queues, and origin tree together
// with the process/thread and scheduler managers to implement raise and
// restore (spec.md §4.6).
type Engine struct {
	mu      sync.Mutex
	tasks   *task.Manager
	sched   *sched.Scheduler
	origins *OriginTree

	dataQueues   map[uint32]*DataQueue
	backupQueues map[uint32]*BackupQueue
}

// NewEngine builds an RPC engine over the kernel's process and
// scheduler managers.
func NewEngine(tasks *task.Manager, scheduler *sched.Scheduler) *Engine {
	return &Engine{
		tasks:        tasks,
		sched:        scheduler,
		origins:      NewOriginTree(),
		dataQueues:   make(map[uint32]*DataQueue),
		backupQueues: make(map[uint32]*BackupQueue),
	}
}

func (e *Engine) dataQueue(pid uint32) *DataQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	dq, ok := e.dataQueues[pid]
	if !ok {
		dq = NewDataQueue()
		e.dataQueues[pid] = dq
	}
	return dq
}

func (e *Engine) backupQueue(pid uint32) *BackupQueue {
	e.mu.Lock()
	defer e.mu.Unlock()
	bq, ok := e.backupQueues[pid]
	if !ok {
		bq = NewBackupQueue()
		e.backupQueues[pid] = bq
	}
	return bq
}

// GetData reads payload id from pid's data queue (the SysRpcGetData
// syscall handler's implementation).
func (e *Engine) GetData(pid uint32, id uint32, buf []byte, peek bool) (int, error) {
	return e.dataQueue(pid).Get(id, buf, peek)
}

// alignSP rounds sp down to AAPCS's 8-byte stack alignment before
// entering a handler.
func alignSP(sp uint32) uint32 {
	return sp &^ 7
}

func (e *Engine) prepareInvoke(p *task.PCB, target *task.TCB, b *Backup) {
	origPC := target.Context.PC
	target.Context.LR = origPC

	args := abi.RpcEntryArgs{Type: b.Type, SourcePID: b.SourcePID, DataID: b.DataID, OriginRpcID: b.OriginID}
	args.Apply(target.Context)
	target.Context.PC = uint32(p.RPCHandler)
	target.Context.SP = alignSP(target.Context.SP)

	if e.sched.Current() == target {
		target.SetState(task.RpcActive)
	} else {
		target.SetState(task.RpcQueued)
		e.sched.Enqueue(p.Pid, target.Tid, target.Priority)
	}
	b.prepared = true
	b.active = true
}

// Raise implements spec.md §4.6's raise steps 1-5: select a target
// thread, snapshot it into a backup, enqueue the payload, scaffold or
// chain the handler invocation, and record the origin. sync marks
// whether a rpc_ret against this backup should unblock the caller
// directly or fan back in as a second, asynchronous RPC (spec.md §4.6
// "synchronous vs asynchronous return semantics").
func (e *Engine) Raise(sourcePid, sourceTid, targetPid uint32, targetTidHint *uint32, rpcType uint32, payload []byte, disableData, sync bool, originRpcID uint32) (uint32, error) {
	var dataID uint32
	if !disableData {
		dataID = e.dataQueue(targetPid).Enqueue(payload)
	}
	if err := e.raiseWithDataID(sourcePid, sourceTid, targetPid, targetTidHint, rpcType, dataID, sync, originRpcID); err != nil {
		return 0, err
	}
	return dataID, nil
}

// raiseWithDataID does the target-selection, backup, and scaffolding
// work of Raise against an already-queued data_id, so the asynchronous
// rpc_ret fan-in path (Ret) can deliver a reply it already enqueued
// without double-enqueuing it under a second id.
func (e *Engine) raiseWithDataID(sourcePid, sourceTid, targetPid uint32, targetTidHint *uint32, rpcType uint32, dataID uint32, sync bool, originRpcID uint32) error {
	p, ok := e.tasks.Process(targetPid)
	if !ok {
		return fmt.Errorf("rpc: no process %d", targetPid)
	}
	if !p.RPCReady {
		return ErrProcessNotReady
	}

	var target *task.TCB
	if targetTidHint != nil {
		target, ok = p.Thread(*targetTidHint)
	} else {
		target, ok = p.FirstThread()
	}
	if !ok {
		return ErrNoTargetThread
	}

	curState := target.State()
	backup := &Backup{
		TargetTid: target.Tid,
		DataID:    dataID,
		OriginID:  originRpcID,
		Type:      rpcType,
		SourcePID: sourcePid,
		sync:      sync,
	}
	backup.savedContext = target.Context.Clone()
	if curState == task.RpcWaitForCall {
		backup.savedState = task.Active
	} else {
		backup.savedState = curState
	}
	backup.savedStateData = target.StateData()

	alreadyScaffolded := curState == task.RpcQueued || curState == task.RpcActive
	e.backupQueue(targetPid).Push(backup)
	if !alreadyScaffolded {
		e.prepareInvoke(p, target, backup)
	}

	if dataID != 0 {
		e.origins.Record(dataID, Origin{Pid: sourcePid, Tid: sourceTid})
	}
	return nil
}

// Restore implements spec.md §4.6's restore(thread): it requires
// RpcActive, restores the thread's pre-call context and state from the
// one active backup, removes that backup and its data-queue entry, and
// chains the next queued backup if one remains.
func (e *Engine) Restore(thread *task.TCB) (Origin, error) {
	res, err := e.restore(thread)
	return res.Origin, err
}

func (e *Engine) restore(thread *task.TCB) (RestoreResult, error) {
	if thread.State() != task.RpcActive {
		return RestoreResult{}, ErrNotRpcActive
	}
	p, ok := e.tasks.Process(thread.Pid)
	if !ok {
		return RestoreResult{}, fmt.Errorf("rpc: no process %d", thread.Pid)
	}

	bq := e.backupQueue(thread.Pid)
	b, ok := bq.ActiveForTarget(thread.Tid)
	if !ok {
		return RestoreResult{}, ErrNoActiveBackup
	}

	thread.Context = b.savedContext
	thread.Restore(b.savedState, b.savedStateData)

	origin, _ := e.origins.Lookup(b.DataID)
	sync := b.sync
	if b.DataID != 0 {
		e.dataQueue(thread.Pid).Remove(b.DataID)
		e.origins.Forget(b.DataID)
	}
	bq.Remove(b)

	if next, hasNext := bq.NextQueuedForTarget(thread.Tid); hasNext {
		next.savedContext = b.savedContext
		next.savedState = b.savedState
		next.savedStateData = b.savedStateData
		e.prepareInvoke(p, thread, next)
	}
	return RestoreResult{Origin: origin, Sync: sync}, nil
}

// Ret implements syscall_rpc_ret: it restores the handler thread and
// posts the reply into the originating process's data queue, then
// routes delivery per spec.md §4.6's synchronous/asynchronous split. If
// the retired backup was raised with sync=true and the caller supplies
// no originalRpcID, the blocked caller (state RpcWaitForReturn) is woken
// directly with the new data_id in r0 — spec.md §8 scenario 2's
// synchronous round trip. Otherwise a second RPC of rpcType carrying
// the reply is raised into the source process (the asynchronous
// fan-in), found via the origin tree rather than by thread state.
func (e *Engine) Ret(handler *task.TCB, payload []byte, rpcType uint32, originalRpcID uint32) (uint32, error) {
	res, err := e.restore(handler)
	if err != nil {
		return 0, err
	}
	origin := res.Origin

	newID := e.dataQueue(origin.Pid).Enqueue(payload)

	op, ok := e.tasks.Process(origin.Pid)
	if !ok {
		return newID, nil
	}

	if res.Sync && originalRpcID == 0 {
		caller, ok := op.Thread(origin.Tid)
		if ok && caller.State() == task.RpcWaitForReturn {
			caller.Context.R[0] = newID
			caller.SetState(task.Ready)
			e.sched.Enqueue(origin.Pid, caller.Tid, caller.Priority)
			return newID, nil
		}
	}

	targetTid := origin.Tid
	if err := e.raiseWithDataID(0, 0, origin.Pid, &targetTid, rpcType, newID, false, originalRpcID); err != nil {
		return newID, fmt.Errorf("rpc: async return fan-in: %w", err)
	}
	return newID, nil
}

// WaitForCall blocks a handler thread until an RPC is raised against it.
func (e *Engine) WaitForCall(thread *task.TCB) {
	thread.Block(task.RpcWaitForCall, nil)
}

// WaitForReturn blocks a synchronous caller until rpc_ret wakes it.
func (e *Engine) WaitForReturn(thread *task.TCB) {
	thread.Block(task.RpcWaitForReturn, nil)
}
