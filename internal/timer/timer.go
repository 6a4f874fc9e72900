// Package timer drives the simulated ARM generic timer tick. A Source
// produces one callback per interval, either via a real io_uring timeout
// completion (build tag "giouring") or a pure-Go time.Ticker fallback;
// Timer turns each tick into an IRQ delivered through
// internal/interrupt's dispatcher, exactly as the real generic timer
// line does (spec.md §4.7).
//
// Grounded on the teacher's internal/uring Ring interface: a real
// implementation lives behind a build tag, and callers depend only on
// the interface, never on the concrete ring type.
package timer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/constants"
	"github.com/kestrel-os/kestrel/internal/interrupt"
)

// Source delivers one callback per tick until the context is canceled or
// Close is called.
type Source interface {
	// Run blocks, invoking onTick once per interval.
	Run(ctx context.Context, interval time.Duration, onTick func()) error
	// Close releases any resources the source holds.
	Close() error
}

// CallbackTarget adapts a waiting thread to the timer the way
// rpc.ProcessSubscriber adapts a process to the interrupt registry, so
// internal/timer never needs to import internal/rpc or internal/task.
type CallbackTarget interface {
	// RaiseCallbackRPC delivers rpcNumber as the RPC type to the target
	// once its callback matures.
	RaiseCallbackRPC(rpcNumber uint32) error
}

// callback is one entry in the timer's ordered, expiration-sorted list
// (spec.md §4.7: "callbacks are an ordered list sorted by expiration").
type callback struct {
	expire    uint64
	target    CallbackTarget
	rpcNumber uint32
}

// Timer feeds a tick Source into the interrupt dispatcher, tracks the
// running tick count the SysTimerTick syscall reports, and peels due
// callbacks off an expiration-ordered list on every tick.
type Timer struct {
	mu        sync.Mutex
	source    Source
	disp      *interrupt.Dispatcher
	ticks     uint64
	cancel    context.CancelFunc
	callbacks []*callback
}

// New wires a tick source to the dispatcher that will forward
// TimerIRQLine as a normal interrupt on every tick.
func New(source Source, disp *interrupt.Dispatcher) *Timer {
	return &Timer{source: source, disp: disp}
}

// Start begins delivering ticks at the given interval on a background
// goroutine. It returns as soon as that goroutine is launched, without
// waiting for the source to arm; call Stop to halt delivery.
func (t *Timer) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	go func() {
		_ = t.source.Run(ctx, interval, t.onTick)
	}()
}

// Stop cancels tick delivery and closes the underlying source.
func (t *Timer) Stop() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return t.source.Close()
}

// Ticks reports the number of timer interrupts delivered so far
// (backs SysTimerTick).
func (t *Timer) Ticks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Register schedules a one-shot callback to fire once the tick count
// reaches expire, raising rpcNumber as an RPC into target (spec.md §4.7,
// §8 scenario 5). Entries are kept sorted by expire so onTick can peel
// the due ones off the head.
func (t *Timer) Register(expire uint64, target CallbackTarget, rpcNumber uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb := &callback{expire: expire, target: target, rpcNumber: rpcNumber}
	i := sort.Search(len(t.callbacks), func(i int) bool {
		return t.callbacks[i].expire > expire
	})
	t.callbacks = append(t.callbacks, nil)
	copy(t.callbacks[i+1:], t.callbacks[i:])
	t.callbacks[i] = cb
}

// Fire advances the timer by one tick immediately, for tests and the
// kernel's manual Tick() that don't want to wait on a real ticker.
func (t *Timer) Fire() {
	t.onTick()
}

// Pending reports how many callbacks are still queued, for tests.
func (t *Timer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.callbacks)
}

func (t *Timer) onTick() {
	t.mu.Lock()
	t.ticks++
	now := t.ticks
	var due []*callback
	for len(t.callbacks) > 0 && t.callbacks[0].expire <= now {
		due = append(due, t.callbacks[0])
		t.callbacks = t.callbacks[1:]
	}
	t.mu.Unlock()

	for _, cb := range due {
		_ = cb.target.RaiseCallbackRPC(cb.rpcNumber)
	}

	frame := &abi.RegisterFrame{}
	_ = t.disp.Handle(abi.InterruptNormal, constants.TimerIRQLine, frame)
}
