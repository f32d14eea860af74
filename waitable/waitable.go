// Package waitable implements the bounded-buffer channel with multi-way
// select, grounded on original_source/kernel/thread/waitable.c. Unlike
// the original (a
// capacity-counting rendezvous primitive with no payload), this
// rendition carries a value of type T per slot, generalizing the C
// waitable_t into something closer to a Go channel while keeping its
// exact lock-queue-CAS control flow.
package waitable

import (
	"sync"
	"sync/atomic"

	"github.com/toysched/corekernel/klog"
	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/thread"
)

var nextID atomic.Uint64

// Waitable is a fixed-capacity queue of T with blocking Send/Wait and
// close semantics. size==0 makes it a rendezvous
// channel: a Send only completes once a Wait is there to receive it.
type Waitable[T any] struct {
	mu sync.Mutex

	buf  []T
	head int
	n    int // occupied slots
	size int

	closed atomic.Bool

	waitQueue waitQueue // receivers
	sendQueue waitQueue // blocked senders

	// pendingSend carries a blocked Send call's payload, keyed by its
	// WaitingThread node, until a matching Wait claims it (size==0
	// rendezvous hand-off, or a blocked sender woken once a slot frees).
	pendingSend []pendingValue[T]

	// id gives every Waitable a total, creation-order identity to sort
	// select's lock order by, in place of the original's raw pointer
	// comparison (pointer order is non-deterministic across runs and not
	// suitable for a hosted rendition; id-sort is deterministic and just
	// as sufficient for
	// deadlock-freedom, since it is still a total, consistent order).
	id uint64
}

// New creates a Waitable of the given capacity (0 for rendezvous).
func New[T any](size int) *Waitable[T] {
	w := &Waitable[T]{size: size, id: nextID.Add(1)}
	if size > 0 {
		w.buf = make([]T, size)
	}
	return w
}

func (w *Waitable[T]) full() bool {
	if w.size == 0 {
		return w.waitQueue.first == nil
	}
	return w.n == w.size
}

func (w *Waitable[T]) empty() bool {
	if w.size == 0 {
		return w.sendQueue.first == nil
	}
	return w.n == 0
}

func (w *Waitable[T]) push(v T) {
	w.buf[(w.head+w.n)%w.size] = v
	w.n++
}

func (w *Waitable[T]) pop() T {
	v := w.buf[w.head]
	var zero T
	w.buf[w.head] = zero
	w.head = (w.head + 1) % w.size
	w.n--
	return v
}

// Send delivers v, blocking (per h's Park entry point) until there is
// room or a waiting receiver, unless block is false. It returns false if
// the waitable was already closed.
func (w *Waitable[T]) Send(h *sched.Handle, v T, block bool) bool {
	if !block && !w.closed.Load() && w.fullUnlocked() {
		return false
	}

	w.mu.Lock()

	if w.closed.Load() {
		w.mu.Unlock()
		klog.Warn(klog.CategoryWaitable).Log("send on closed waitable")
		return false
	}

	if wt := w.waitQueue.dequeue(); wt != nil {
		w.mu.Unlock()
		w.deliver(wt, v, true)
		return true
	}

	if w.n < w.size {
		w.push(v)
		w.mu.Unlock()
		return true
	}

	if !block {
		w.mu.Unlock()
		return false
	}

	t := h.Thread()
	wt := &thread.WaitingThread{Thread: t, Waitable: w}
	w.sendQueue.enqueue(wt)
	w.pendingSend = append(w.pendingSend, pendingValue[T]{wt: wt, v: v})

	t.SetWaitUnlock(w.mu.Unlock)
	h.Park()

	ok := wt.Success
	if !ok {
		klog.Warn(klog.CategoryWaitable).Log("send wakeup on closed waitable")
	}
	return ok
}

func (w *Waitable[T]) fullUnlocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.full()
}

// pendingValue carries a blocked sender's payload until a receiver
// claims it directly (rendezvous hand-off), since T has no public field
// on WaitingThread to ride along on.
type pendingValue[T any] struct {
	wt *thread.WaitingThread
	v  T
}

// deliver hands v straight to a dequeued receiver's waiting thread and
// wakes it, matching waitable_send's direct-handoff path.
func (w *Waitable[T]) deliver(wt *thread.WaitingThread, v T, success bool) {
	if recv, ok := wt.Waitable.(*recvSlot[T]); ok {
		recv.v, recv.ok = v, success
	}
	wt.Thread.Waker = wt
	wt.Success = success
	wt.Thread.Wakeup()
}

// recvSlot is the scratch location a blocked Wait call's WaitingThread
// points its Waitable field at, so a matched Send can write the
// delivered value somewhere the waiter can read it after waking.
type recvSlot[T any] struct {
	v  T
	ok bool
}

// Wait receives a value, blocking until one is available or the
// waitable closes, unless block is false.
func (w *Waitable[T]) Wait(h *sched.Handle, block bool) (v T, ok bool) {
	if !block && w.emptyUnlocked() {
		if !w.closed.Load() {
			return v, false
		}
	}

	w.mu.Lock()

	if w.closed.Load() && w.n == 0 {
		w.mu.Unlock()
		return v, false
	}

	// A buffered value (if any) is strictly older than anything a
	// blocked sender is holding, so it must be popped first to keep
	// delivery order FIFO; any blocked sender then has its value pushed
	// into the slot that pop just freed and is woken, rather than being
	// handed straight to this call (which would let it cut ahead of an
	// already-buffered value).
	if w.n > 0 {
		v = w.pop()
		if wt := w.sendQueue.dequeue(); wt != nil {
			pv := w.takePending(wt)
			w.push(pv)
			w.mu.Unlock()
			wt.Thread.Waker = wt
			wt.Success = true
			wt.Thread.Wakeup()
			return v, true
		}
		w.mu.Unlock()
		return v, true
	}

	// n == 0: only possible for a blocked sender in the size==0
	// rendezvous case (a buffered waitable's sendQueue is never
	// populated while n < size), so a direct hand-off is exact here.
	if wt := w.sendQueue.dequeue(); wt != nil {
		pv := w.takePending(wt)
		w.mu.Unlock()
		wt.Thread.Waker = wt
		wt.Success = true
		wt.Thread.Wakeup()
		return pv, true
	}

	if !block {
		w.mu.Unlock()
		return v, false
	}

	t := h.Thread()
	slot := &recvSlot[T]{}
	wt := &thread.WaitingThread{Thread: t, Waitable: slot}
	w.waitQueue.enqueue(wt)

	t.SetWaitUnlock(w.mu.Unlock)
	h.Park()

	return slot.v, slot.ok
}

func (w *Waitable[T]) emptyUnlocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.empty()
}

func (w *Waitable[T]) takePending(wt *thread.WaitingThread) T {
	for i, p := range w.pendingSend {
		if p.wt == wt {
			w.pendingSend = append(w.pendingSend[:i], w.pendingSend[i+1:]...)
			return p.v
		}
	}
	var zero T
	return zero
}

// Close closes the waitable, waking every blocked sender and receiver
// with a failed wakeup. Closing an already-closed
// waitable is an idempotent no-op apart from a logged warning (resolved
// Open Question; see DESIGN.md).
func (w *Waitable[T]) Close() {
	w.mu.Lock()
	if !w.closed.CompareAndSwap(false, true) {
		w.mu.Unlock()
		klog.Warn(klog.CategoryWaitable).Log("close of closed waitable")
		return
	}

	var woken []*thread.Thread
	for {
		wt := w.waitQueue.dequeue()
		if wt == nil {
			break
		}
		wt.Thread.Waker = wt
		wt.Success = false
		woken = append(woken, wt.Thread)
	}
	for {
		wt := w.sendQueue.dequeue()
		if wt == nil {
			break
		}
		wt.Thread.Waker = wt
		wt.Success = false
		woken = append(woken, wt.Thread)
	}
	w.mu.Unlock()

	for _, t := range woken {
		t.Wakeup()
	}
}

// Closed reports whether Close has been called.
func (w *Waitable[T]) Closed() bool { return w.closed.Load() }
