package waitable

import (
	"math/rand"
	"sort"

	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/thread"
)

// Select implements multi-way select, grounded on
// original_source/kernel/thread/waitable.c's waitable_select.
// sendWaitables/sendValues are the send arms (indices
// [0,len(sendWaitables))); recvWaitables are the receive arms (indices
// [len(sendWaitables), len(sendWaitables)+len(recvWaitables))), matching
// the original's send_count/wait_count split exactly. It returns the
// winning arm's index, the value received (zero for a winning send arm),
// and whether the operation succeeded (false means the winning arm's
// waitable was closed). index is -1 if block is false and no arm was
// immediately ready.
//
// All arms must share the same element type T; selecting across
// differently-typed channels needs each wrapped to a common T (e.g.
// `any`) by the caller — a simplification recorded in DESIGN.md.
func Select[T any](h *sched.Handle, sendWaitables []*Waitable[T], sendValues []T, recvWaitables []*Waitable[T], block bool) (index int, value T, ok bool) {
	sendCount := len(sendWaitables)
	all := make([]*Waitable[T], 0, sendCount+len(recvWaitables))
	all = append(all, sendWaitables...)
	all = append(all, recvWaitables...)
	n := len(all)
	if n == 0 {
		return -1, value, false
	}

	// Randomized poll order so no case is starved by always being
	// checked last; id-sorted lock order so concurrent selects sharing
	// arms always acquire locks in the same total order and can never
	// deadlock against each other.
	pollorder := rand.Perm(n)
	lockorder := make([]int, n)
	copy(lockorder, pollorder)
	sort.Slice(lockorder, func(a, b int) bool { return all[lockorder[a]].id < all[lockorder[b]].id })

	lockAll(all, lockorder)

	// Pass 1: something is already ready.
	for _, i := range pollorder {
		w := all[i]
		if i < sendCount {
			if w.closed.Load() {
				unlockAll(all, lockorder)
				return i, value, false
			}
			if wt := w.waitQueue.dequeue(); wt != nil {
				unlockAll(all, lockorder)
				w.deliver(wt, sendValues[i], true)
				return i, value, true
			}
			if w.n < w.size {
				w.push(sendValues[i])
				unlockAll(all, lockorder)
				return i, value, true
			}
			continue
		}

		// Pop an older buffered value ahead of a blocked sender's, same
		// FIFO-preservation reasoning as Wait (see waitable.go).
		if w.n > 0 {
			v := w.pop()
			if wt := w.sendQueue.dequeue(); wt != nil {
				pv := w.takePending(wt)
				w.push(pv)
				unlockAll(all, lockorder)
				wt.Thread.Waker = wt
				wt.Success = true
				wt.Thread.Wakeup()
				return i, v, true
			}
			unlockAll(all, lockorder)
			return i, v, true
		}
		if wt := w.sendQueue.dequeue(); wt != nil {
			v := w.takePending(wt)
			unlockAll(all, lockorder)
			wt.Thread.Waker = wt
			wt.Success = true
			wt.Thread.Wakeup()
			return i, v, true
		}
		if w.closed.Load() {
			unlockAll(all, lockorder)
			return i, value, false
		}
	}

	if !block {
		unlockAll(all, lockorder)
		return -1, value, false
	}

	// Pass 2: enqueue on every arm and park.
	t := h.Thread()
	nodes := make([]*thread.WaitingThread, n)
	slot := &recvSlot[T]{}
	for _, i := range lockorder {
		w := all[i]
		wt := &thread.WaitingThread{Thread: t, IsSelect: true, Waitable: slot}
		nodes[i] = wt
		if i < sendCount {
			w.pendingSend = append(w.pendingSend, pendingValue[T]{wt: wt, v: sendValues[i]})
			w.sendQueue.enqueue(wt)
		} else {
			w.waitQueue.enqueue(wt)
		}
	}

	t.Waker = nil
	t.SelectDone.Store(0)
	t.SetWaitUnlock(func() { unlockAll(all, lockorder) })
	h.Park()

	lockAll(all, lockorder)
	t.SelectDone.Store(0)
	winner := t.Waker
	t.Waker = nil

	// Pass 3: dequeue every losing arm's node.
	resultIndex := -1
	resultOK := false
	var resultVal T
	for _, i := range lockorder {
		w := all[i]
		wt := nodes[i]
		if wt == winner {
			resultIndex = i
			resultOK = wt.Success
			if i >= sendCount {
				resultVal = slot.v
			}
			continue
		}
		if i < sendCount {
			w.sendQueue.dequeueNode(wt)
			for j, p := range w.pendingSend {
				if p.wt == wt {
					w.pendingSend = append(w.pendingSend[:j], w.pendingSend[j+1:]...)
					break
				}
			}
		} else {
			w.waitQueue.dequeueNode(wt)
		}
	}
	unlockAll(all, lockorder)

	return resultIndex, resultVal, resultOK
}

func lockAll[T any](all []*Waitable[T], lockorder []int) {
	var last *Waitable[T]
	for _, i := range lockorder {
		w := all[i]
		if w != last {
			w.mu.Lock()
			last = w
		}
	}
}

func unlockAll[T any](all []*Waitable[T], lockorder []int) {
	for k := len(lockorder) - 1; k >= 0; k-- {
		w := all[lockorder[k]]
		if k > 0 && w == all[lockorder[k-1]] {
			continue
		}
		w.mu.Unlock()
	}
}
