// Package sched implements the priority round-robin scheduler (spec.md
// §4.5): per-priority queues of non-owning (pid, tid) references into
// internal/task's process tree, a last_handled cursor per queue, and the
// Idle result Schedule returns when nothing is runnable (waiting is left
// to the caller).
//
// Grounded on original_source/bolthur/kernel/task/thread.c and
// process.c's scheduler loop for the traversal order, and on spec.md
// §9's resolution of the "cyclic graphs" open question: queue entries
// are (pid, tid) values, not pointers, validated against internal/task
// on every dereference so a killed thread's queue entry becomes a miss
// instead of a dangling reference.
package sched

import "container/list"

// entry is a non-owning reference into a process's thread tree.
type entry struct {
	pid uint32
	tid uint32
}

// queueNode is one priority's runnable-thread list plus its
// round-robin cursor (spec.md §3 "Priority queue").
type queueNode struct {
	entries     *list.List
	lastHandled *list.Element
}

func newQueueNode() *queueNode {
	return &queueNode{entries: list.New()}
}

func (n *queueNode) push(pid, tid uint32) *list.Element {
	return n.entries.PushBack(entry{pid: pid, tid: tid})
}

func (n *queueNode) remove(pid, tid uint32) bool {
	for e := n.entries.Front(); e != nil; e = e.Next() {
		v := e.Value.(entry)
		if v.pid == pid && v.tid == tid {
			if n.lastHandled == e {
				n.lastHandled = nil
			}
			n.entries.Remove(e)
			return true
		}
	}
	return false
}

// start returns the element to begin a traversal from, and
// whether the queue is already "consumed" (last_handled is the tail,
// nothing follows).
func (n *queueNode) start() (*list.Element, bool) {
	if n.lastHandled == nil {
		return n.entries.Front(), false
	}
	next := n.lastHandled.Next()
	if next == nil {
		return nil, true
	}
	return next, false
}
