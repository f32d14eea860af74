package waitable

import "github.com/toysched/corekernel/thread"

// waitQueue is a doubly-linked FIFO of WaitingThread nodes, grounded on
// original_source/kernel/thread/waitable.c's wait_queue_t.
type waitQueue struct {
	first, last *thread.WaitingThread
}

func (q *waitQueue) enqueue(wt *thread.WaitingThread) {
	wt.Next = nil
	x := q.last
	if x == nil {
		wt.Prev = nil
		q.first = wt
		q.last = wt
		return
	}
	wt.Prev = x
	x.Next = wt
	q.last = wt
}

// dequeue pops the first node, skipping select nodes that have already
// lost the SelectDone race to another waitable in the same select call.
func (q *waitQueue) dequeue() *thread.WaitingThread {
	for {
		wt := q.first
		if wt == nil {
			return nil
		}
		y := wt.Next
		if y == nil {
			q.first, q.last = nil, nil
		} else {
			y.Prev = nil
			q.first = y
			wt.Next = nil
		}

		if wt.IsSelect && !wt.Thread.SelectDone.CompareAndSwap(0, 1) {
			continue
		}
		return wt
	}
}

// dequeueNode removes a specific node from anywhere in the queue (used
// by select's third pass to pull the losing arms back out).
func (q *waitQueue) dequeueNode(wt *thread.WaitingThread) {
	x, y := wt.Prev, wt.Next
	switch {
	case x != nil && y != nil:
		x.Next, y.Prev = y, x
		wt.Prev, wt.Next = nil, nil
	case x != nil:
		x.Next = nil
		q.last = x
		wt.Prev = nil
	case y != nil:
		y.Prev = nil
		q.first = y
		wt.Next = nil
	default:
		if q.first == wt {
			q.first, q.last = nil, nil
		}
	}
}
