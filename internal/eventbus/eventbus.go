// Package eventbus implements the kernel's deferred-work bus (spec.md
// §3, §4.5): a fixed set of event types, each bound to zero or more
// synchronous handlers, queued during exception handling and drained at
// the exception-return tail. There is no background worker — draining
// happens on the same goroutine that calls Drain.
package eventbus

import (
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
)

// EventType is the compile-time-fixed set of deferred work kinds.
type EventType int

const (
	Process EventType = iota
	Serial
	Debug
	InterruptCleanup
)

func (t EventType) String() string {
	switch t {
	case Process:
		return "process"
	case Serial:
		return "serial"
	case Debug:
		return "debug"
	case InterruptCleanup:
		return "interrupt-cleanup"
	default:
		return "unknown"
	}
}

// Handler is invoked with the origin of the exception that triggered
// the event. A nil handler is never invoked.
type Handler func(origin abi.EventOrigin)

type queued struct {
	typ    EventType
	origin abi.EventOrigin
}

// Bus holds the handler bindings and the pending queue.
type Bus struct {
	mu       sync.Mutex
	handlers map[EventType][]Handler
	queue    []queued
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Bind registers h to run whenever t is drained. Bindings accumulate —
// unbinding is not part of spec.md's event model, since the type set
// is fixed at compile time and bound once during kernel init.
func (b *Bus) Bind(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Enqueue appends an event to the pending queue; it does not invoke any
// handler immediately.
func (b *Bus) Enqueue(t EventType, origin abi.EventOrigin) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, queued{typ: t, origin: origin})
}

// Drain runs every bound handler for every queued event, in enqueue
// order, then clears the queue. Called once at the tail of exception
// return.
func (b *Bus) Drain() {
	b.mu.Lock()
	pending := b.queue
	b.queue = nil
	handlers := b.handlers
	b.mu.Unlock()

	for _, ev := range pending {
		for _, h := range handlers[ev.typ] {
			if h != nil {
				h(ev.origin)
			}
		}
	}
}

// Pending reports how many events are queued but not yet drained —
// used by tests and diagnostics, not by the dispatch path itself.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
