package park

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/thread"
	"github.com/toysched/corekernel/timer"
)

// Semaphore is a counting semaphore with a FIFO (or, for Acquire's lifo
// argument, LIFO-substituting) wait queue, optional timeout, and direct
// handoff, grounded on original_source/kernel/sync/semaphore.c (itself
// adapted from the Go runtime's semaphore implementation).
type Semaphore struct {
	mu      sync.Mutex
	value   atomic.Uint32
	nwait   atomic.Int32
	waiters *thread.WaitingThread
}

// NewSemaphore constructs a semaphore with the given initial value.
func NewSemaphore(initial uint32) *Semaphore {
	s := &Semaphore{}
	s.value.Store(initial)
	return s
}

// queue implements semaphore_queue: FIFO by default, or (lifo) splicing
// wt in ahead of the current waiters list while preserving the existing
// waiters as wt's own sub-chain.
func (s *Semaphore) queue(wt *thread.WaitingThread, lifo bool) {
	t := s.waiters
	if t == nil {
		s.waiters = wt
		return
	}
	if lifo {
		s.waiters = wt
		wt.Ticket = t.Ticket
		wt.WaitLink = t
		wt.WaitTail = t.WaitTail
		if wt.WaitTail == nil {
			wt.WaitTail = t
		}
		t.WaitTail = nil
		return
	}
	if t.WaitTail == nil {
		t.WaitLink = wt
	} else {
		t.WaitTail.WaitLink = wt
	}
	t.WaitTail = wt
	wt.WaitLink = nil
}

// removeWT implements semaphore_remove_wt: splice wt out of the waiters
// chain, promoting its WaitLink successor to root if any.
func (s *Semaphore) removeWT(wt *thread.WaitingThread) {
	if wt.WaitLink != nil {
		t := wt.WaitLink
		s.waiters = t
		t.Ticket = wt.Ticket
		if t.WaitLink != nil {
			t.WaitTail = wt.WaitTail
		} else {
			t.WaitTail = nil
		}
		wt.WaitLink = nil
		wt.WaitTail = nil
		return
	}
	s.waiters = nil
}

func (s *Semaphore) dequeue() *thread.WaitingThread {
	wt := s.waiters
	if wt == nil {
		return nil
	}
	s.removeWT(wt)
	wt.Ticket = 0
	return wt
}

func (s *Semaphore) canAcquire() bool {
	for {
		v := s.value.Load()
		if v == 0 {
			return false
		}
		if s.value.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

// Acquire blocks (unless timeout==0) until a unit is available or
// timeout elapses. timeout<0 means wait forever; timeout==0 is a
// non-blocking try. lifo requests LIFO wake-order preference (used by
// the original to reduce cache-line bouncing under heavy contention).
func (s *Semaphore) Acquire(h *sched.Handle, lifo bool, timeout time.Duration) bool {
	if s.canAcquire() {
		return true
	}
	if timeout == 0 {
		return false
	}

	wt := &thread.WaitingThread{Thread: h.Thread()}

	for {
		s.mu.Lock()
		s.nwait.Add(1)

		if s.canAcquire() {
			s.nwait.Add(-1)
			s.mu.Unlock()
			return true
		}

		s.queue(wt, lifo)

		var tm *timer.Timer
		if timeout > 0 {
			tm = timer.New(func(arg any, now int64) {
				s.timeoutWaiter(wt)
			}, nil)
			h.Wheel().Start(tm, h.Clock()+timeout.Microseconds(), 0)
		}

		h.Thread().SetWaitUnlock(s.mu.Unlock)
		h.Park()

		if tm != nil {
			h.Wheel().Stop(tm)
		}

		if wt.Ticket == -1 {
			return false
		}
		if wt.Ticket != 0 || s.canAcquire() {
			return true
		}
		// Spurious wake (woken without a ticket and nothing to
		// acquire); loop and re-register as a waiter.
	}
}

// timeoutWaiter implements semaphore_acquire_timeout: if wt is still
// queued when the timer fires, dequeue it and wake it with a timeout
// ticket; otherwise it has already been woken by Release, nothing to do.
func (s *Semaphore) timeoutWaiter(wt *thread.WaitingThread) {
	if wt.WaitLink == nil && s.waiters != wt {
		return
	}

	s.mu.Lock()
	if wt.WaitLink != nil || s.waiters == wt {
		s.removeWT(wt)
		wt.Ticket = -1
		wt.Thread.Wakeup()
	}
	s.mu.Unlock()
}

// Release adds one unit and, if anyone is waiting, wakes the head of
// the queue. handoff requests the Go-runtime-style direct handoff: if
// the woken thread could immediately re-acquire, it's granted a ticket
// and the releasing thread yields its own quantum to it right away,
// rather than letting a contended semaphore sit unclaimed until the
// next scheduling round.
func (s *Semaphore) Release(h *sched.Handle, handoff bool) {
	s.value.Add(1)

	if s.nwait.Load() == 0 {
		return
	}

	s.mu.Lock()
	if s.nwait.Load() == 0 {
		s.mu.Unlock()
		return
	}
	wt := s.dequeue()
	if wt != nil {
		s.nwait.Add(-1)
	}
	s.mu.Unlock()

	if wt == nil {
		return
	}

	if handoff && s.canAcquire() {
		wt.Ticket = 1
	}
	wt.Thread.Wakeup()

	if wt.Ticket == 1 && h != nil {
		// Direct handoff: give the waiter our remaining quantum right
		// away rather than letting it wait for the next global pick.
		h.Yield()
	}
}
