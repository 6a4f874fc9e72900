package kestrel

import (
	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/eventbus"
	"github.com/kestrel-os/kestrel/internal/interrupt"
	"github.com/kestrel-os/kestrel/internal/rpc"
	ksyscall "github.com/kestrel-os/kestrel/internal/syscall"
	"github.com/kestrel-os/kestrel/internal/task"
)

// Syscall errno values returned in SyscallResult.Errno, distinct from
// internal/syscall's table-level ErrBadNumber/ErrNoHandler (those never
// reach a registered handler).
const (
	errnoNoProcess = 10
	errnoNoMemory  = 12
	errnoRPC       = 13
	errnoNoIRQ     = 14
	errnoFault     = 15
)

// validateCallerPointer looks up caller's address space and checks that
// [va, va+size) is mapped, the bounds check spec.md §4.7/§6 requires
// before any pointer-taking syscall argument is dereferenced.
func validateCallerPointer(k *Kernel, caller *task.TCB, va, size uintptr) bool {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return false
	}
	return ksyscall.ValidateUserPointer(p.Ctx, va, size) == nil
}

// registerSyscalls binds every abi.Sys* number to a handler closing over
// this Kernel's subsystems (spec.md §4.7's fixed syscall table).
func (k *Kernel) registerSyscalls() {
	reg := func(num uint32, h syscallHandler) {
		_ = k.Syscalls.Register(num, func(caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
			k.observer.ObserveSyscall()
			return h(k, caller, args)
		})
	}

	reg(abi.SysProcessExit, sysProcessExit)
	reg(abi.SysProcessFork, sysProcessFork)
	reg(abi.SysProcessReplace, sysProcessReplace)
	reg(abi.SysProcessGetPid, sysProcessGetPid)

	reg(abi.SysThreadCreate, sysThreadCreate)
	reg(abi.SysThreadExit, sysThreadExit)
	reg(abi.SysThreadGetTid, sysThreadGetTid)

	reg(abi.SysMemoryAcquire, sysMemoryAcquire)
	reg(abi.SysMemoryRelease, sysMemoryRelease)
	reg(abi.SysMemoryShared, sysMemoryShared)

	reg(abi.SysRpcSetHandler, sysRpcSetHandler)
	reg(abi.SysRpcRaise, sysRpcRaise)
	reg(abi.SysRpcRet, sysRpcRet)
	reg(abi.SysRpcGetData, sysRpcGetData)
	reg(abi.SysRpcWaitForCall, sysRpcWaitForCall)
	reg(abi.SysRpcSetReady, sysRpcSetReady)
	reg(abi.SysRpcEnd, sysRpcEnd)
	reg(abi.SysRpcWaitForReady, sysRpcWaitForReady)

	reg(abi.SysInterruptAcquire, sysInterruptAcquire)
	reg(abi.SysInterruptRelease, sysInterruptRelease)

	reg(abi.SysTimerTick, sysTimerTick)
	reg(abi.SysTimerFrequency, sysTimerFrequency)
	reg(abi.SysTimerAcquire, sysTimerAcquire)
	reg(abi.SysTimerRelease, sysTimerRelease)

	reg(abi.SysKernelPutc, sysKernelPutc)
	reg(abi.SysKernelPuts, sysKernelPuts)
}

type syscallHandler func(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult

func sysProcessExit(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	for _, t := range p.Threads() {
		t.SetState(task.Kill)
		k.Sched.Dequeue(t.Pid, t.Tid, t.Priority)
		k.queueThreadCleanup(t.Pid, t.Tid)
	}
	k.Events.Enqueue(eventbus.Process, abi.OriginUser)
	k.Events.Drain()
	return abi.Ok(0)
}

func sysProcessFork(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	child, err := k.Tasks.ForkProcess(caller.Pid)
	if err != nil {
		return abi.Fail(errnoNoProcess)
	}
	t := child.CreateThread(caller.Context.PC)
	t.SetState(task.Ready)
	k.Sched.Enqueue(child.Pid, t.Tid, child.Priority)
	return abi.Ok(child.Pid)
}

func sysProcessReplace(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	t, err := k.Tasks.ReplaceProcess(caller.Pid, uintptr(args.A0))
	if err != nil {
		return abi.Fail(errnoNoProcess)
	}
	t.SetState(task.Ready)
	k.Sched.Enqueue(t.Pid, t.Tid, t.Priority)
	return abi.Ok(0)
}

func sysProcessGetPid(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	return abi.Ok(caller.Pid)
}

func sysThreadCreate(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	t := p.CreateThread(uintptr(args.A0))
	t.SetState(task.Ready)
	k.Sched.Enqueue(p.Pid, t.Tid, p.Priority)
	return abi.Ok(t.Tid)
}

func sysThreadExit(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	caller.SetState(task.Kill)
	k.Sched.Dequeue(caller.Pid, caller.Tid, p.Priority)
	k.queueThreadCleanup(caller.Pid, caller.Tid)
	k.Events.Enqueue(eventbus.Process, abi.OriginUser)
	k.Events.Drain()
	return abi.Ok(0)
}

func sysThreadGetTid(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	return abi.Ok(caller.Tid)
}

func sysMemoryAcquire(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	size := uintptr(args.A0)
	if size == 0 {
		return abi.Fail(errnoNoMemory)
	}
	va, err := p.Ctx.FindFreePageRange(size, constants.UserAreaStart)
	if err != nil {
		return abi.Fail(errnoNoMemory)
	}
	pages := int((size + constants.PageSize - 1) / constants.PageSize)
	if err := p.Ctx.MapAddressRangeRandom(va, pages, abi.MemoryNormal, abi.AccessRead|abi.AccessWrite); err != nil {
		return abi.Fail(errnoNoMemory)
	}
	return abi.Ok(uint32(va))
}

func sysMemoryRelease(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	va := uintptr(args.A0)
	size := uintptr(args.A1)
	pages := int((size + constants.PageSize - 1) / constants.PageSize)
	if err := p.Ctx.UnmapAddressRange(va, pages, true); err != nil {
		return abi.Fail(errnoNoMemory)
	}
	return abi.Ok(0)
}

func sysMemoryShared(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	targetPid := args.A0
	va := uintptr(args.A1)
	target, ok := k.Tasks.Process(targetPid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	if !validateCallerPointer(k, caller, va, constants.PageSize) {
		return abi.Fail(errnoFault)
	}
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	pa, ok := p.Ctx.GetMappedAddress(va)
	if !ok {
		return abi.Fail(errnoNoMemory)
	}
	if err := target.Ctx.MapAddress(va, pa, abi.MemoryNormal, abi.AccessRead|abi.AccessWrite); err != nil {
		return abi.Fail(errnoNoMemory)
	}
	return abi.Ok(uint32(va))
}

func sysRpcSetHandler(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	p.RPCHandler = uintptr(args.A0)
	return abi.Ok(0)
}

// sysRpcRaise implements syscall_rpc_raise(target_pid, type, _, len,
// disable_data). A raise that enqueues data (disable_data clear) is
// synchronous: the caller blocks in RpcWaitForReturn and the
// corresponding rpc_ret wakes it directly; a disable_data raise is
// inherently fire-and-forget, so sync tracks !disableData rather than
// consuming a ninth register slot spec.md's raise() otherwise reserves
// for it.
func sysRpcRaise(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	targetPid := args.A0
	rpcType := args.A1
	dataLen := args.A3
	disableData := args.A4 != 0
	payload := make([]byte, dataLen)

	sync := !disableData
	id, err := k.RPC.Raise(caller.Pid, caller.Tid, targetPid, nil, rpcType, payload, disableData, sync, 0)
	if err != nil {
		return abi.Fail(errnoRPC)
	}
	k.observer.ObserveRPCRaise()
	if sync {
		k.RPC.WaitForReturn(caller)
	}
	return abi.Ok(id)
}

// sysRpcRet implements syscall_rpc_ret(type, data, len, original_rpc_id):
// A0 is the reply's rpc type (used only on the asynchronous fan-in
// branch), A2 its length, A3 the caller-supplied original_rpc_id.
func sysRpcRet(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	rpcType := args.A0
	dataLen := args.A2
	originalRpcID := args.A3
	payload := make([]byte, dataLen)

	id, err := k.RPC.Ret(caller, payload, rpcType, originalRpcID)
	if err != nil {
		return abi.Fail(errnoRPC)
	}
	k.observer.ObserveRPCReturn()
	return abi.Ok(id)
}

func sysRpcGetData(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	dataID := args.A0
	bufVA := uintptr(args.A1)
	bufLen := args.A2
	peek := args.A3 != 0

	if bufLen > 0 && !validateCallerPointer(k, caller, bufVA, uintptr(bufLen)) {
		return abi.Fail(errnoFault)
	}

	n, err := k.RPC.GetData(caller.Pid, dataID, make([]byte, bufLen), peek)
	if err != nil {
		return abi.Fail(errnoRPC)
	}
	return abi.Ok(uint32(n))
}

func sysRpcWaitForCall(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	k.RPC.WaitForCall(caller)
	return abi.Ok(0)
}

func sysRpcSetReady(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	p.RPCReady = true
	return abi.Ok(0)
}

func sysRpcEnd(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	p.RPCReady = false
	return abi.Ok(0)
}

func sysRpcWaitForReady(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	caller.Block(task.RpcWaitForReady, nil)
	return abi.Ok(0)
}

func sysInterruptAcquire(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	num := args.A0
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	tok, err := k.Interrupts.RegisterProcess(abi.InterruptNormal, num, rpc.ProcessSubscriber{Engine: k.RPC, Pcb: p})
	if err != nil {
		return abi.Fail(errnoNoIRQ)
	}
	k.bindIRQToken(caller.Pid, num, tok)
	return abi.Ok(0)
}

func sysInterruptRelease(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	num := args.A0
	tok, ok := k.takeIRQToken(caller.Pid, num)
	if !ok {
		return abi.Fail(errnoNoIRQ)
	}
	if err := k.Interrupts.UnregisterHandler(abi.InterruptNormal, num, tok, false); err != nil {
		return abi.Fail(errnoNoIRQ)
	}
	return abi.Ok(0)
}

func sysTimerTick(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	return abi.Ok(uint32(k.Timer.Ticks()))
}

func sysTimerFrequency(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	return abi.Ok(uint32(k.opts.TimerFrequency))
}

func sysTimerAcquire(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	p, ok := k.Tasks.Process(caller.Pid)
	if !ok {
		return abi.Fail(errnoNoProcess)
	}
	tok, err := k.Interrupts.RegisterProcess(abi.InterruptNormal, constants.TimerIRQLine, rpc.ProcessSubscriber{Engine: k.RPC, Pcb: p})
	if err != nil {
		return abi.Fail(errnoNoIRQ)
	}
	k.bindIRQToken(caller.Pid, constants.TimerIRQLine, tok)
	return abi.Ok(0)
}

func sysTimerRelease(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	tok, ok := k.takeIRQToken(caller.Pid, constants.TimerIRQLine)
	if !ok {
		return abi.Fail(errnoNoIRQ)
	}
	if err := k.Interrupts.UnregisterHandler(abi.InterruptNormal, constants.TimerIRQLine, tok, false); err != nil {
		return abi.Fail(errnoNoIRQ)
	}
	return abi.Ok(0)
}

func sysKernelPutc(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	k.console.WriteByte(byte(args.A0))
	return abi.Ok(0)
}

func sysKernelPuts(k *Kernel, caller *task.TCB, args abi.SyscallArgs) abi.SyscallResult {
	n := k.console.WriteLen(args.A1)
	return abi.Ok(uint32(n))
}

func (k *Kernel) bindIRQToken(pid, num uint32, tok interrupt.Token) {
	k.irqMu.Lock()
	defer k.irqMu.Unlock()
	byPid, ok := k.irqTokens[pid]
	if !ok {
		byPid = make(map[uint32]interrupt.Token)
		k.irqTokens[pid] = byPid
	}
	byPid[num] = tok
}

func (k *Kernel) takeIRQToken(pid, num uint32) (interrupt.Token, bool) {
	k.irqMu.Lock()
	defer k.irqMu.Unlock()
	byPid, ok := k.irqTokens[pid]
	if !ok {
		return 0, false
	}
	tok, ok := byPid[num]
	if ok {
		delete(byPid, num)
	}
	return tok, ok
}
