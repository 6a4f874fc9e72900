package kestrel

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/armv7"
	"github.com/kestrel-os/kestrel/internal/collab"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/eventbus"
	"github.com/kestrel-os/kestrel/internal/heap"
	"github.com/kestrel-os/kestrel/internal/interrupt"
	"github.com/kestrel-os/kestrel/internal/phys"
	"github.com/kestrel-os/kestrel/internal/rpc"
	"github.com/kestrel-os/kestrel/internal/sched"
	"github.com/kestrel-os/kestrel/internal/syscall"
	"github.com/kestrel-os/kestrel/internal/task"
	"github.com/kestrel-os/kestrel/internal/timer"
	"github.com/kestrel-os/kestrel/internal/virt"
)

// Options configures a Boot call. The zero value is invalid; use
// DefaultOptions as a starting point, the way the teacher's
// DefaultParams seeds a Device's tunables.
type Options struct {
	// MemorySize is the simulated physical RAM size in bytes.
	MemorySize uintptr

	// DMAWindowSize is carved out of the start of physical memory.
	DMAWindowSize uintptr

	// EarlyHeapSize sizes the bump arena the kernel heap starts on
	// before PromoteNormal hands it kernel virtual memory.
	EarlyHeapSize int

	// TimerFrequency is what SysTimerFrequency reports to user space.
	TimerFrequency int

	// TimerSource overrides the tick source; nil selects the package
	// default (io_uring timeout behind the giouring build tag, a
	// time.Ticker fallback otherwise).
	TimerSource timer.Source

	// Observer receives kernel events; nil installs NoOpObserver.
	Observer Observer
}

// DefaultOptions returns sane defaults for a host-simulated boot.
func DefaultOptions() *Options {
	return &Options{
		MemorySize:     constants.DefaultPhysicalMemorySize,
		DMAWindowSize:  constants.DefaultDMAWindowSize,
		EarlyHeapSize:  1 * 1024 * 1024,
		TimerFrequency: constants.DefaultTimerFrequency,
	}
}

// Kernel wires the core subsystems together behind a single runnable
// facade, the way the teacher's Device wires ctrl, queue runners, and
// observability behind CreateAndServe.
type Kernel struct {
	Phys       *phys.Allocator
	Virt       *virt.Manager
	Heap       *heap.Manager
	Tasks      *task.Manager
	Sched      *sched.Scheduler
	Interrupts *interrupt.Registry
	Dispatcher *interrupt.Dispatcher
	Events     *eventbus.Bus
	RPC        *rpc.Engine
	Timer      *timer.Timer
	Syscalls   *syscall.Table

	kernelCtx *virt.Context
	opts      *Options

	metrics  *Metrics
	observer Observer
	console  *console

	irqMu     sync.Mutex
	irqTokens map[uint32]map[uint32]interrupt.Token // pid -> irq line -> token

	cleanupMu             sync.Mutex
	pendingThreadCleanup  []pendingThread
	pendingProcessCleanup []uint32
}

// pendingThread names a thread queued for teardown through the Process
// event (spec.md §4.7's deferred cleanup, rather than sysThreadExit and
// sysProcessExit tearing threads down synchronously on the caller's own
// stack).
type pendingThread struct {
	Pid, Tid uint32
}

// console backs SysKernelPutc/SysKernelPuts. It writes actual bytes for
// putc (a literal character passed by value in a register) but can't
// reproduce puts's string content since this simulation doesn't model
// page-backed memory contents, only the page table bookkeeping above
// it — see internal/syscall's ValidateUserPointer, which checks range
// but never dereferences. WriteLen stands in for the byte count a real
// puts would return.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) WriteByte(b byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.w.Write([]byte{b})
}

func (c *console) WriteLen(n uint32) int {
	return int(n)
}

// Boot implements spec.md §4.2's startup sequence: parse the firmware
// blob, bring up the physical allocator, create the kernel's own
// address-space context, promote the heap, and wire every subsystem
// together with the fixed syscall table registered.
func Boot(ctx context.Context, blob []byte, fw collab.Firmware, arch virt.Arch, opts *Options) (*Kernel, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	_, cancel := context.WithTimeout(ctx, constants.BootTimeout)
	defer cancel()

	info, err := fw.Parse(blob)
	if err != nil {
		return nil, WrapError("boot.firmware.parse", err)
	}

	allocator, err := phys.New(opts.MemorySize, 0, opts.DMAWindowSize)
	if err != nil {
		return nil, NewError("boot.phys.new", ErrCodeBootFailed, err.Error())
	}
	kernelImageEnd := uintptr(1 * 1024 * 1024)
	if kernelImageEnd > opts.DMAWindowSize {
		kernelImageEnd = opts.DMAWindowSize
	}
	if err := allocator.Init(kernelImageEnd, info); err != nil {
		return nil, NewError("boot.phys.init", ErrCodeBootFailed, err.Error())
	}

	vm, err := virt.NewManager(allocator, arch)
	if err != nil {
		return nil, NewError("boot.virt.new", ErrCodeBootFailed, err.Error())
	}
	kernelCtx, err := vm.CreateContext(virt.Kernel)
	if err != nil {
		return nil, NewError("boot.virt.kernel-context", ErrCodeBootFailed, err.Error())
	}
	if err := vm.SetContext(kernelCtx); err != nil {
		return nil, NewError("boot.virt.set-context", ErrCodeBootFailed, err.Error())
	}
	if err := fw.RelocateDeviceTree(kernelCtx); err != nil {
		return nil, WrapError("boot.firmware.relocate", err)
	}

	heapMgr, err := heap.New(make([]byte, opts.EarlyHeapSize))
	if err != nil {
		return nil, NewError("boot.heap.new", ErrCodeBootFailed, err.Error())
	}
	if err := heapMgr.PromoteNormal(kernelCtx); err != nil {
		return nil, NewError("boot.heap.promote", ErrCodeBootFailed, err.Error())
	}

	tasks := task.NewManager(vm)
	scheduler := sched.New(tasks, vm)
	bus := eventbus.New()
	registry := interrupt.NewRegistry()
	dispatcher := interrupt.NewDispatcher(registry, bus, func(sp uint32) bool {
		return uintptr(sp) >= constants.KernelAreaStart
	})
	engine := rpc.NewEngine(tasks, scheduler)

	var source timer.Source
	if opts.TimerSource != nil {
		source = opts.TimerSource
	} else {
		source = timer.NewSource()
	}
	tk := timer.New(source, dispatcher)

	observer := opts.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	k := &Kernel{
		Phys:       allocator,
		Virt:       vm,
		Heap:       heapMgr,
		Tasks:      tasks,
		Sched:      scheduler,
		Interrupts: registry,
		Dispatcher: dispatcher,
		Events:     bus,
		RPC:        engine,
		Timer:      tk,
		Syscalls:   syscall.NewTable(),
		kernelCtx:  kernelCtx,
		opts:       opts,
		metrics:    NewMetrics(),
		observer:   observer,
		console:    &console{w: os.Stdout},
		irqTokens:  make(map[uint32]map[uint32]interrupt.Token),
	}
	k.registerEventHandlers()
	k.registerSyscalls()
	return k, nil
}

// registerEventHandlers binds the kernel's deferred teardown work to the
// Process event (spec.md §4.7): thread and process cleanup never run on
// the faulting/exiting thread's own stack, only once the bus is drained
// at the tail of the syscall or exception that queued them.
func (k *Kernel) registerEventHandlers() {
	k.Events.Bind(eventbus.Process, k.onScheduleEvent)
	k.Events.Bind(eventbus.Process, k.onThreadCleanup)
	k.Events.Bind(eventbus.Process, k.onProcessCleanup)
}

// onScheduleEvent is schedule's binding under the Process event
// (spec.md §4.7: "schedule and process_cleanup and thread_cleanup are
// bound to EVENT_PROCESS"). Run's loop already calls Schedule on every
// iteration regardless of pending events, so there is nothing left for
// this handler to trigger — it exists so the binding itself matches the
// fixed set spec.md names, not to drive a second scheduling path.
func (k *Kernel) onScheduleEvent(origin abi.EventOrigin) {}

// queueThreadCleanup records tid for teardown on the next Process drain.
func (k *Kernel) queueThreadCleanup(pid, tid uint32) {
	k.cleanupMu.Lock()
	defer k.cleanupMu.Unlock()
	k.pendingThreadCleanup = append(k.pendingThreadCleanup, pendingThread{Pid: pid, Tid: tid})
}

// queueProcessCleanup records pid for teardown on the next Process drain.
func (k *Kernel) queueProcessCleanup(pid uint32) {
	k.cleanupMu.Lock()
	defer k.cleanupMu.Unlock()
	k.pendingProcessCleanup = append(k.pendingProcessCleanup, pid)
}

// onThreadCleanup drains the pending thread list, releasing each
// thread's stack and tree entry; a process left with no threads is
// queued for its own teardown.
func (k *Kernel) onThreadCleanup(origin abi.EventOrigin) {
	k.cleanupMu.Lock()
	pending := k.pendingThreadCleanup
	k.pendingThreadCleanup = nil
	k.cleanupMu.Unlock()

	for _, pt := range pending {
		p, ok := k.Tasks.Process(pt.Pid)
		if !ok {
			continue
		}
		_ = p.DestroyThread(pt.Tid)
		if p.ThreadCount() == 0 {
			k.queueProcessCleanup(pt.Pid)
		}
	}
}

// onProcessCleanup drains the pending process list, tearing down each
// process's address space and removing it from the tree.
func (k *Kernel) onProcessCleanup(origin abi.EventOrigin) {
	k.cleanupMu.Lock()
	pending := k.pendingProcessCleanup
	k.pendingProcessCleanup = nil
	k.cleanupMu.Unlock()

	for _, pid := range pending {
		_ = k.Tasks.DestroyProcess(pid)
	}
}

// LoadProcess maps image into a fresh process's address space through
// loader, creates its initial thread at the resolved entry point, and
// enqueues it as Ready (spec.md §4.2's "load the init process" step,
// generalized to any process creation that goes through collab.Loader).
func (k *Kernel) LoadProcess(parent uint32, priority int, loader collab.Loader, image io.ReaderAt, imageLen int64) (*task.PCB, error) {
	p, err := k.Tasks.CreateProcess(parent, priority)
	if err != nil {
		return nil, NewProcessError("load-process.create", parent, ErrCodeBootFailed, err.Error())
	}
	entry, err := loader.Load(p.Ctx, image, imageLen)
	if err != nil {
		return nil, NewProcessError("load-process.load", p.Pid, ErrCodeBootFailed, err.Error())
	}
	t := p.CreateThread(entry)
	t.SetState(task.Ready)
	k.Sched.Enqueue(p.Pid, t.Tid, priority)
	return p, nil
}

// Metrics returns the kernel's metrics counters.
func (k *Kernel) Metrics() *Metrics { return k.metrics }

// Run drives the scheduler until ctx is cancelled. Every iteration asks
// the scheduler for the next runnable thread; when none are runnable,
// Run busy-polls at IdlePollInterval rather than blocking forever,
// since this host simulation has no WFI to fall back on (spec.md §4.5's
// idle path, pushed up to the caller the way original_source leaves
// the final "enable interrupts, wfi" step to the boot assembly rather
// than to schedule() itself).
func (k *Kernel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			k.metrics.Stop()
			return ctx.Err()
		default:
		}

		next, err := k.Sched.Schedule(abi.OriginUser, nil)
		if err != nil {
			if _, idle := err.(sched.Idle); idle {
				k.observer.ObserveIdle()
				select {
				case <-ctx.Done():
					k.metrics.Stop()
					return ctx.Err()
				case <-time.After(constants.IdlePollInterval):
				}
				continue
			}
			return WrapError("run.schedule", err)
		}
		if next == nil {
			continue
		}
		k.observer.ObserveContextSwitch()
	}
}

// Tick advances the simulated timer by one period immediately, for
// tests that don't want to wait on a real ticker. It peels any due
// callbacks and forwards TimerIRQLine exactly as a real tick does.
func (k *Kernel) Tick() {
	k.Timer.Fire()
}

// HandleVector is the common entry every arch vector stub funnels into
// (spec.md §4.4): SVC/IRQ/FIQ dispatch through the registry as usual,
// while undef/data-abort/prefetch-abort vectors have no registry
// binding and instead go through handleFault.
func (k *Kernel) HandleVector(kind armv7.VectorKind, num uint32, frame *abi.RegisterFrame) error {
	if dispatchKind, ok := kind.DispatchKind(); ok {
		return k.Dispatcher.Handle(dispatchKind, num, frame)
	}
	return k.handleFault(kind, frame)
}

// handleFault implements spec.md §4.4's fault path for undef, prefetch-
// abort, and data-abort: a fault taken from kernel origin is
// unrecoverable and panics; a fault taken from user origin kills the
// faulting thread and queues its teardown through the same Process
// event sysThreadExit uses, rather than destroying it synchronously on
// the faulting thread's own (now suspect) stack.
func (k *Kernel) handleFault(kind armv7.VectorKind, frame *abi.RegisterFrame) error {
	origin, err := k.Dispatcher.Enter(frame)
	if err != nil {
		return err
	}
	defer k.Dispatcher.Exit(origin)

	if origin == abi.OriginKernel {
		panic(fmt.Sprintf("kestrel: %s from kernel origin", kind))
	}

	current := k.Sched.Current()
	if current == nil {
		return nil
	}
	current.SetState(task.Kill)
	k.Sched.Dequeue(current.Pid, current.Tid, current.Priority)
	k.queueThreadCleanup(current.Pid, current.Tid)
	k.Events.Enqueue(eventbus.Process, origin)
	return nil
}
