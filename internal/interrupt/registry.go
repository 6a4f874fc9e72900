// Package interrupt implements the handler registry and dispatch logic
// of spec.md §4.4: three handler trees keyed by interrupt number (one
// per InterruptKind), each entry holding ordered pre/post handler lists
// plus a list of subscribing processes forwarded an RPC per firing.
//
// Grounded on original_source/bolthur/kernel/interrupt.c's three-tree
// design (normal/fast/software, compared and looked up by interrupt
// number) and on other_examples' SeleniaProject-Orizon interrupt.go for
// the idiomatic Go shape of a mutex-guarded handler table in place of
// the original's AVL trees — a Go map is the natural substitute for an
// ordered-by-number tree here since lookup, not ordered iteration, is
// the only operation spec.md names.
package interrupt

import (
	"fmt"
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
)

// Handler runs before or after a fired interrupt's subscriber fan-out.
type Handler func(frame *abi.RegisterFrame)

// Subscriber is the minimal slice of a process the registry needs to
// forward an interrupt as an RPC: raise a typed, dataless, no-reply RPC
// to the process's first runnable thread, and report whether any
// thread remains so empty subscribers can be pruned lazily. Kept as an
// interface here so internal/interrupt depends on neither internal/task
// nor internal/rpc; internal/rpc's ProcessSubscriber implements it.
type Subscriber interface {
	RaiseInterruptRPC(interruptNum uint32) error
	HasRunnableThread() bool
}

// Token identifies one registered handler or subscriber for later
// unregistration. Go function values aren't comparable, so — unlike
// the original's callback-pointer-based unregister_handler — this
// registry hands back an opaque token from every Register call instead
// of requiring the original callback value back.
type Token uint64

type binding struct {
	token Token
	pre   Handler
	post  Handler
}

type entry struct {
	pre         []binding
	post        []binding
	subscribers map[Token]Subscriber
	enabled     bool
}

func newEntry() *entry {
	return &entry{subscribers: make(map[Token]Subscriber)}
}

func (e *entry) empty() bool {
	return len(e.pre) == 0 && len(e.post) == 0 && len(e.subscribers) == 0
}

// Registry holds the three interrupt-kind trees.
type Registry struct {
	mu       sync.Mutex
	trees    map[abi.InterruptKind]map[uint32]*entry
	nextTok  Token
	Disabler func(kind abi.InterruptKind, num uint32) // controller line mask, optional
}

// NewRegistry returns an empty registry with the three kind trees
// ready for use.
func NewRegistry() *Registry {
	return &Registry{
		trees: map[abi.InterruptKind]map[uint32]*entry{
			abi.InterruptNormal:   make(map[uint32]*entry),
			abi.InterruptFast:     make(map[uint32]*entry),
			abi.InterruptSoftware: make(map[uint32]*entry),
		},
	}
}

func (r *Registry) entryLocked(kind abi.InterruptKind, num uint32) *entry {
	tree := r.trees[kind]
	e, ok := tree[num]
	if !ok {
		e = newEntry()
		tree[num] = e
	}
	return e
}

func (r *Registry) newTokenLocked() Token {
	r.nextTok++
	return r.nextTok
}

// RegisterHandler binds a kernel handler to (kind, num). post selects
// whether it runs before or after the subscriber fan-out. enable marks
// the line active (callers that only want a post-handler on an
// already-enabled line may pass false and rely on an earlier enable).
func (r *Registry) RegisterHandler(kind abi.InterruptKind, num uint32, cb Handler, post bool, enable bool) (Token, error) {
	if cb == nil {
		return 0, fmt.Errorf("interrupt: nil handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(kind, num)
	tok := r.newTokenLocked()
	b := binding{token: tok}
	if post {
		b.post = cb
		e.post = append(e.post, b)
	} else {
		b.pre = cb
		e.pre = append(e.pre, b)
	}
	if enable {
		e.enabled = true
	}
	return tok, nil
}

// RegisterProcess subscribes a process to (kind, num): on every firing
// it receives a typed, dataless RPC (spec.md §4.4 dispatch step).
func (r *Registry) RegisterProcess(kind abi.InterruptKind, num uint32, sub Subscriber) (Token, error) {
	if sub == nil {
		return 0, fmt.Errorf("interrupt: nil subscriber")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.entryLocked(kind, num)
	tok := r.newTokenLocked()
	e.subscribers[tok] = sub
	e.enabled = true
	return tok, nil
}

// UnregisterHandler removes a prior registration by token. If the line
// ends up with no kernel handlers and no subscribers and disable is
// true, the line is masked via Disabler (when set) and removed.
func (r *Registry) UnregisterHandler(kind abi.InterruptKind, num uint32, tok Token, disable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree := r.trees[kind]
	e, ok := tree[num]
	if !ok {
		return fmt.Errorf("interrupt: no entry for %s %d", kind, num)
	}

	e.pre = removeBinding(e.pre, tok)
	e.post = removeBinding(e.post, tok)
	delete(e.subscribers, tok)

	if e.empty() {
		if disable {
			e.enabled = false
			if r.Disabler != nil {
				r.Disabler(kind, num)
			}
		}
		delete(tree, num)
	}
	return nil
}

func removeBinding(list []binding, tok Token) []binding {
	out := list[:0]
	for _, b := range list {
		if b.token != tok {
			out = append(out, b)
		}
	}
	return out
}

// Dispatch fires (kind, num): every pre-handler runs in registration
// order, then every subscribing process with a runnable thread is
// raised an RPC typed by num, then every post-handler runs. Processes
// with no runnable thread left are pruned. Returns whether the line had
// any registration to dispatch to at all.
func (r *Registry) Dispatch(kind abi.InterruptKind, num uint32, frame *abi.RegisterFrame) (bool, error) {
	r.mu.Lock()
	tree := r.trees[kind]
	e, ok := tree[num]
	if !ok || !e.enabled {
		r.mu.Unlock()
		return false, nil
	}
	pre := append([]binding(nil), e.pre...)
	post := append([]binding(nil), e.post...)
	subs := make(map[Token]Subscriber, len(e.subscribers))
	for tok, s := range e.subscribers {
		subs[tok] = s
	}
	r.mu.Unlock()

	for _, b := range pre {
		b.pre(frame)
	}

	var dead []Token
	var firstErr error
	for tok, s := range subs {
		if !s.HasRunnableThread() {
			dead = append(dead, tok)
			continue
		}
		if err := s.RaiseInterruptRPC(num); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, b := range post {
		b.post(frame)
	}

	if len(dead) > 0 {
		r.mu.Lock()
		for _, tok := range dead {
			delete(e.subscribers, tok)
		}
		r.mu.Unlock()
	}

	return true, firstErr
}
