// Package park implements the parking primitives: a queued spin-then-
// park mutex (word-lock) and a counting semaphore with optional timeout
// and direct handoff, grounded on original_source/kernel/sync/word_lock.c
// (itself adapted from WebKit's WTF library) and semaphore.c (adapted
// from the Go runtime).
//
// The original word-lock packs its queue-head pointer and two status
// bits into a single atomic machine word, letting lock/unlock/enqueue
// all pivot on one CAS. That trick relies on pointer-sized integer
// arithmetic on a real heap pointer, which Go's GC cannot safely observe
// through a bare uintptr (a moving or collecting GC could invalidate it
// between the store and a later load). This rendition keeps the exact
// queue/park/wake structure but guards the head pointer and the locked
// flag with a small sync.Mutex instead of packing them into one atomic
// word; see DESIGN.md for the full accounting of this tradeoff.
package park

import (
	"sync"
	"sync/atomic"

	"github.com/toysched/corekernel/kconfig"
	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/thread"
)

// DefaultSpinLimit is the spin-then-park threshold used when a WordLock
// is constructed via NewWordLock with a zero Config.
const DefaultSpinLimit = 40

// threadData is simultaneously a parking descriptor and a queue node,
// matching the original's dual-purpose thread_data_t.
type threadData struct {
	shouldPark  atomic.Bool
	parkingLock sync.Mutex
	thread      *thread.Thread

	next      *threadData
	queueTail *threadData
}

// WordLock is a queued mutex: a fast-path try-lock (under the internal
// mutex), then a bounded spin, then a FIFO park queue.
type WordLock struct {
	spinLimit int

	mu     sync.Mutex // guards locked and head; not the lock clients are acquiring
	locked bool
	head   *threadData
}

// NewWordLock builds a WordLock using cfg.SpinLimit (or DefaultSpinLimit
// if cfg is the zero value).
func NewWordLock(cfg kconfig.Config) *WordLock {
	limit := cfg.SpinLimit
	if limit <= 0 {
		limit = DefaultSpinLimit
	}
	return &WordLock{spinLimit: limit}
}

func (w *WordLock) tryLock() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.locked {
		return false
	}
	w.locked = true
	return true
}

func (w *WordLock) hasQueue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.head != nil
}

// Lock acquires the lock, spinning briefly (yielding the calling
// thread's CPU each spin) before queueing and parking.
func (w *WordLock) Lock(h *sched.Handle) {
	if w.tryLock() {
		return
	}

	spins := 0
	for {
		if w.tryLock() {
			return
		}

		if !w.hasQueue() && spins < w.spinLimit {
			spins++
			h.Yield()
			continue
		}

		me := &threadData{thread: h.Thread()}
		me.shouldPark.Store(true)

		w.mu.Lock()
		if !w.locked {
			// The lock was released while we were preparing to queue;
			// retry acquiring directly instead of parking for nothing.
			w.mu.Unlock()
			h.Yield()
			continue
		}
		if w.head == nil {
			me.queueTail = me
			w.head = me
		} else {
			w.head.queueTail.next = me
			w.head.queueTail = me
		}
		w.mu.Unlock()

		me.parkingLock.Lock()
		for me.shouldPark.Load() {
			h.Thread().SetWaitUnlock(me.parkingLock.Unlock)
			h.Park()
			me.parkingLock.Lock()
		}
		me.parkingLock.Unlock()
		// Ownership was handed directly to us by Unlock; no need to
		// retry tryLock.
		return
	}
}

// Unlock releases the lock, handing ownership directly to the head of
// the wait queue if one exists (so the lock never observably becomes
// free and immediately re-contended by a third party), or clearing
// locked if the queue is empty. h is the calling thread's handle, taken
// for symmetry with Lock; Unlock does not use it.
func (w *WordLock) Unlock(h *sched.Handle) {
	w.mu.Lock()
	head := w.head
	if head == nil {
		w.locked = false
		w.mu.Unlock()
		return
	}
	newHead := head.next
	if newHead != nil {
		newHead.queueTail = head.queueTail
	}
	w.head = newHead
	w.mu.Unlock()

	head.next = nil
	head.queueTail = nil

	head.parkingLock.Lock()
	head.shouldPark.Store(false)
	head.thread.Wakeup()
	head.parkingLock.Unlock()
}
