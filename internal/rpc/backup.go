package rpc

import (
	"sync"

	"github.com/kestrel-os/kestrel/internal/abi"
	"github.com/kestrel-os/kestrel/internal/task"
)

// Backup is a snapshot of a thread's context and scheduler state taken
// before an RPC handler is invoked on it, so rpc_ret can restore the
// interrupted work afterward (spec.md §4.6 step 2).
type Backup struct {
	TargetTid uint32
	DataID    uint32
	OriginID  uint32
	Type      uint32
	SourcePID uint32

	savedContext   *abi.RegisterFrame
	savedState     task.ThreadState
	savedStateData []byte

	prepared bool
	active   bool
	sync     bool
}

// BackupQueue is one process's ordered list of pending/in-flight RPC
// backups (spec.md §3 "an RPC backup queue"; §4.6 "the target PCB's rpc
// queue"). A process's threads share one queue rather than each owning
// their own, matching original_source/bolthur/kernel/rpc/queue.c's
// per-process rpc_queue.
type BackupQueue struct {
	mu      sync.Mutex
	backups []*Backup
}

// NewBackupQueue returns an empty queue.
func NewBackupQueue() *BackupQueue {
	return &BackupQueue{}
}

// Push appends a backup (spec.md §4.6 step 4 "if not already enqueued
// ... push it").
func (q *BackupQueue) Push(b *Backup) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backups = append(q.backups, b)
}

// FindForTarget returns the first queued backup for tid, used to check
// whether an RPC chain is already scaffolded before rewriting registers
// again.
func (q *BackupQueue) FindForTarget(tid uint32) (*Backup, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.backups {
		if b.TargetTid == tid {
			return b, true
		}
	}
	return nil, false
}

// ActiveForTarget scans for the one backup with active=true targeting
// tid (spec.md §4.6 "restore(thread)").
func (q *BackupQueue) ActiveForTarget(tid uint32) (*Backup, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.backups {
		if b.TargetTid == tid && b.active {
			return b, true
		}
	}
	return nil, false
}

// NextQueuedForTarget returns the first non-active backup still queued
// for tid, used to chain the next call after a restore.
func (q *BackupQueue) NextQueuedForTarget(tid uint32) (*Backup, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, b := range q.backups {
		if b.TargetTid == tid && !b.active {
			return b, true
		}
	}
	return nil, false
}

// Remove drops a backup from the queue.
func (q *BackupQueue) Remove(target *Backup) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, b := range q.backups {
		if b == target {
			q.backups = append(q.backups[:i], q.backups[i+1:]...)
			return
		}
	}
}

// OriginTree records, per data_id, the (pid, tid) that raised the RPC
// so rpc_ret can route a reply back to the right caller (spec.md §4.6
// step 5).
type OriginTree struct {
	mu  sync.Mutex
	byID map[uint32]Origin
}

// Origin identifies an RPC's caller.
type Origin struct {
	Pid uint32
	Tid uint32
}

// RestoreResult is what restore(thread) recovers from the retired
// backup: the origin to route a reply to, and whether that backup was
// raised with sync=true (spec.md §4.6's synchronous/asynchronous
// return-semantics branch).
type RestoreResult struct {
	Origin Origin
	Sync   bool
}

// NewOriginTree returns an empty tree.
func NewOriginTree() *OriginTree {
	return &OriginTree{byID: make(map[uint32]Origin)}
}

func (t *OriginTree) Record(dataID uint32, origin Origin) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[dataID] = origin
}

func (t *OriginTree) Lookup(dataID uint32) (Origin, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.byID[dataID]
	return o, ok
}

func (t *OriginTree) Forget(dataID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, dataID)
}
