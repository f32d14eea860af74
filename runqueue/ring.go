// Package runqueue implements the per-CPU bounded ring plus run-next
// hand-off slot, and the scheduler-wide overflow queue.
package runqueue

import (
	"sync/atomic"

	"github.com/toysched/corekernel/thread"
)

// DefaultSize is the default local ring capacity.
const DefaultSize = 256

// Ring is a per-CPU bounded SPMC ring: only the owning CPU ever writes
// tail or consumes from the head as a plain pop, but any CPU (a thief)
// may CAS head to steal.
type Ring struct {
	size uint32
	buf  []atomic.Pointer[thread.Thread]

	head atomic.Uint32
	tail atomic.Uint32

	runNext atomic.Pointer[thread.Thread]
}

// NewRing allocates a ring of the given capacity (must be a power of
// two; DefaultSize is used unless overridden).
func NewRing(size uint32) *Ring {
	return &Ring{size: size, buf: make([]atomic.Pointer[thread.Thread], size)}
}

// Put places t on the ring. If next is true, t is swapped into the
// single-slot run-next hand-off; whatever thread was previously there is
// displaced and re-enters through the normal ring path.
//
// On local-ring overflow, Put returns the batch that must be migrated to
// the global queue (half the local queue plus the new thread) and
// overflowed=true; the caller (the scheduler core, which owns the global
// queue) is responsible for the migration and for waking an idle CPU.
func (r *Ring) Put(t *thread.Thread, next bool) (overflow []*thread.Thread, overflowed bool) {
	if next {
		old := r.runNext.Swap(t)
		if old == nil {
			return nil, false
		}
		// The displaced occupant re-enters through the normal path.
		return r.Put(old, false)
	}

	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if tail-head < r.size {
			r.buf[tail%r.size].Store(t)
			r.tail.Store(tail + 1)
			return nil, false
		}
		// Full: migrate half the ring (by CAS on head, so a
		// concurrent thief can't also grab these) plus the new
		// thread to the global queue.
		n := r.size / 2
		batch := make([]*thread.Thread, 0, n+1)
		if !r.head.CompareAndSwap(head, head+n) {
			continue // a thief raced us; retry the whole put
		}
		for i := uint32(0); i < n; i++ {
			batch = append(batch, r.buf[(head+i)%r.size].Load())
		}
		batch = append(batch, t)
		return batch, true
	}
}

// Get retrieves the next thread to run, preferring the run-next slot.
// inheritTime reports whether the returned thread came from run-next
// (in which case it inherits the remaining time slice rather than
// starting a fresh quantum).
func (r *Ring) Get() (t *thread.Thread, inheritTime bool) {
	if next := r.runNext.Load(); next != nil {
		if r.runNext.CompareAndSwap(next, nil) {
			return next, true
		}
	}

	for {
		head := r.head.Load()
		tail := r.tail.Load()
		if head == tail {
			return nil, false
		}
		t := r.buf[head%r.size].Load()
		if r.head.CompareAndSwap(head, head+1) {
			return t, false
		}
	}
}

// Steal grabs half of this ring's contents, rounded up, for a thieving
// CPU. If
// the ring is empty and stealNext is true, it also tries the run-next
// slot (only done on the thief's last pass).
func (r *Ring) Steal(stealNext bool) []*thread.Thread {
	for {
		head := r.head.Load()
		tail := r.tail.Load()
		n := tail - head
		if n == 0 {
			break
		}
		take := (n + 1) / 2
		if take == 0 {
			break
		}
		batch := make([]*thread.Thread, 0, take)
		for i := uint32(0); i < take; i++ {
			batch = append(batch, r.buf[(head+i)%r.size].Load())
		}
		if r.head.CompareAndSwap(head, head+take) {
			return batch
		}
		// lost the race with another thief or the owner; retry.
	}

	if stealNext {
		if next := r.runNext.Load(); next != nil {
			if r.runNext.CompareAndSwap(next, nil) {
				return []*thread.Thread{next}
			}
		}
	}
	return nil
}

// Empty implements a double-read emptiness check: snapshot
// head/tail/run-next, then re-read tail; if it is unchanged, the ring
// was genuinely empty at some instant during the call.
func (r *Ring) Empty() bool {
	head := r.head.Load()
	next := r.runNext.Load()
	tail := r.tail.Load()
	if head == tail && next == nil {
		return r.tail.Load() == tail
	}
	return false
}
