package runqueue

import (
	"sync"

	"github.com/toysched/corekernel/thread"
)

// Global is the scheduler-wide overflow queue: a singly-linked list
// (threaded through thread.Thread.SchedLink) under one spinlock, plus
// the idle-CPU bitmask and a companion cpu-has-timers bitmask (set while
// a CPU's timer wheel holds any timer, due or not).
type Global struct {
	mu   sync.Mutex
	head *thread.Thread
	tail *thread.Thread
	size int

	Idle        CPUMask
	TimersActive CPUMask
}

func NewGlobal() *Global { return &Global{} }

// Put appends one thread.
func (g *Global) Put(t *thread.Thread) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.putLocked(t)
}

func (g *Global) putLocked(t *thread.Thread) {
	t.SchedLink = nil
	if g.tail == nil {
		g.head = t
	} else {
		g.tail.SchedLink = t
	}
	g.tail = t
	g.size++
}

// PutBatch appends a slice of threads atomically (used by Ring.Put's
// overflow migration).
func (g *Global) PutBatch(batch []*thread.Thread) {
	if len(batch) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range batch {
		g.putLocked(t)
	}
}

// Get pops up to max threads (max==0 means "just one"); it returns fewer
// if the queue is shorter.
func (g *Global) Get(max int) []*thread.Thread {
	if max == 0 {
		max = 1
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*thread.Thread
	for len(out) < max && g.head != nil {
		t := g.head
		g.head = t.SchedLink
		if g.head == nil {
			g.tail = nil
		}
		t.SchedLink = nil
		g.size--
		out = append(out, t)
	}
	return out
}

// Len reports the current queue length, used by the periodic
// fairness-sampling check to decide whether a forced global pull would
// find anything.
func (g *Global) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}
