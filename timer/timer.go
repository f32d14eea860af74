// Package timer implements the per-CPU 4-ary min-heap timer wheel with
// lazy modify/delete, grounded on original_source/kernel/thread/timer.c.
package timer

import (
	"sync"
	"sync/atomic"

	"github.com/toysched/corekernel/kconfig"
	"github.com/toysched/corekernel/klog"
	"github.com/toysched/corekernel/tsc"
)

// Timer is a single heap entry.
type Timer struct {
	status atomicStatus

	when   int64 // µs; owned by the wheel lock
	period int64
	// nextWhen carries a pending lazy modification's target time while
	// status is ModifiedEarlier/ModifiedLater, applied by adjustTimers.
	nextWhen int64

	fn  func(arg any, now int64)
	arg any

	seq uint64

	wheel *Wheel
	index int // position in the heap; -1 when not queued

	refs atomic.Int32
}

// New allocates a timer in NoStatus, ready for Start.
func New(fn func(arg any, now int64), arg any) *Timer {
	t := &Timer{fn: fn, arg: arg, index: -1}
	t.status.store(NoStatus)
	t.refs.Store(1)
	return t
}

func (t *Timer) Retain()  { t.refs.Add(1) }
func (t *Timer) Release() { t.refs.Add(-1) }

func (t *Timer) Status() Status { return t.status.load() }

// Wheel is a CPU's timer heap.
type Wheel struct {
	mu   sync.Mutex
	heap []*Timer

	numTimers     int
	deletedTimers int

	timer0When       atomic.Int64
	modifiedEarliest atomic.Int64

	clock tsc.Source
	cfg   kconfig.Config
	cpuID int

	// active, when non-nil, is flipped on Start/when-empty to maintain
	// the companion cpu-has-timers bitmask.
	active interface{ Set(int); Clear(int) }
}

// NewWheel constructs an empty wheel for the given CPU.
func NewWheel(cpuID int, clock tsc.Source, cfg kconfig.Config, active interface {
	Set(int)
	Clear(int)
}) *Wheel {
	w := &Wheel{clock: clock, cfg: cfg, cpuID: cpuID, active: active}
	w.timer0When.Store(0)
	w.modifiedEarliest.Store(0)
	return w
}

// Timer0When returns the cached earliest deadline without taking the
// lock, a fast-path hint for callers that just want to know "is
// anything due soon" without blocking on the heap lock.
func (w *Wheel) Timer0When() int64 { return w.timer0When.Load() }

// Start arms a timer. Precondition: when > 0, period >= 0, status
// NoStatus.
func (w *Wheel) Start(t *Timer, when, period int64) {
	if when <= 0 || period < 0 {
		panic("timer: Start precondition violated: when>0, period>=0 required")
	}
	if !t.status.cas(NoStatus, Waiting) {
		panic("timer: Start called on a timer that is not NoStatus")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	t.when = when
	t.period = period
	t.wheel = w
	w.siftUp(w.pushLocked(t))
	w.numTimers++
	w.publishTimer0Locked()
	if w.active != nil {
		w.active.Set(w.cpuID)
	}
}

// Stop disarms a timer, returning whether it had not yet fired.
func (w *Wheel) Stop(t *Timer) bool {
	for {
		switch cur := t.status.load(); cur {
		case Waiting, ModifiedEarlier, ModifiedLater:
			if !t.status.cas(cur, Modifying) {
				continue
			}
			t.status.store(Deleted)
			w.mu.Lock()
			w.deletedTimers++
			w.mu.Unlock()
			return true
		case Running:
			// already firing; nothing to stop.
			return false
		case NoStatus, Deleted, Removed:
			return false
		default:
			// Removing/Moving: transient, owned by another in-flight
			// check_timers on this CPU; spin until it settles.
		}
	}
}

// Modify re-times an armed timer. It follows Stop's transition into
// Modifying, then either records a lazy nextWhen (ModifiedEarlier /
// ModifiedLater, applied on the owning CPU's next check) or, if the
// timer had already been fully removed, re-adds it fresh.
func (w *Wheel) Modify(t *Timer, when, period int64, fn func(arg any, now int64), arg any) bool {
	for {
		switch cur := t.status.load(); cur {
		case Waiting, ModifiedEarlier, ModifiedLater:
			if !t.status.cas(cur, Modifying) {
				continue
			}
			t.fn, t.arg = fn, arg
			t.period = period
			t.nextWhen = when
			next := ModifiedLater
			if when < t.when {
				next = ModifiedEarlier
				w.publishModifiedEarliestIfLower(when)
			}
			t.status.store(next)
			return true
		case NoStatus, Deleted, Removed:
			t.fn, t.arg = fn, arg
			t.status.store(NoStatus)
			w.Start(t, when, period)
			return false
		default:
			// transient; spin.
		}
	}
}

// CheckTimers is called from the preemption-tick handler. It applies any
// pending lazy modifications up to the earliest recorded one, then fires
// everything due at or before now. It returns the deadline at which it
// should next be called (pollUntil), or 0 if the heap is empty.
func (w *Wheel) CheckTimers(now int64) (ran bool, pollUntil int64) {
	w.mu.Lock()
	w.adjustTimersLocked(now)

	for {
		if len(w.heap) == 0 {
			w.mu.Unlock()
			if w.active != nil {
				w.active.Clear(w.cpuID)
			}
			w.publishTimer0Locked()
			return ran, 0
		}

		top := w.heap[0]
		switch top.status.load() {
		case Deleted:
			w.popLocked()
			w.numTimers--
			w.deletedTimers--
			continue

		case Waiting:
			if top.when > now {
				w.publishTimer0Locked()
				pu := top.when
				w.mu.Unlock()
				return ran, pu
			}
			if !top.status.cas(Waiting, Running) {
				continue
			}
			if top.period > 0 {
				periods := (now-top.when)/top.period + 1
				top.when += top.period * periods
				w.siftDown(0)
			} else {
				w.popLocked()
				w.numTimers--
			}
			w.mu.Unlock()
			fn, arg := top.fn, top.arg
			if fn != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							klog.Err(klog.CategoryTimer).Log("timer callback panicked")
						}
					}()
					fn(arg, now)
				}()
			}
			ran = true
			top.status.cas(Running, top.statusAfterRun())
			w.mu.Lock()
			w.maybeCompactLocked()

		default:
			// ModifiedEarlier/Later/Modifying/Moving/Removing should
			// never survive to the top of the heap uncollapsed by
			// adjustTimersLocked; observing one here is an impossible
			// state: it is logged and the caller is told to check
			// again at now+1000.
			w.mu.Unlock()
			klog.Err(klog.CategoryTimer).Str("status", top.status.load().String()).
				Log("impossible timer status at heap top")
			return ran, now + 1000
		}
	}
}

// statusAfterRun reports the status a fired timer settles into: Waiting
// again if periodic (it was re-armed in place above), NoStatus
// otherwise (it was popped, so it's eligible for Start again).
func (t *Timer) statusAfterRun() Status {
	if t.period > 0 {
		return Waiting
	}
	return NoStatus
}

func (w *Wheel) publishTimer0Locked() {
	if len(w.heap) == 0 {
		w.timer0When.Store(0)
		return
	}
	w.timer0When.Store(w.heap[0].when)
}

func (w *Wheel) publishModifiedEarliestIfLower(when int64) {
	for {
		cur := w.modifiedEarliest.Load()
		if cur != 0 && cur <= when {
			return
		}
		if w.modifiedEarliest.CompareAndSwap(cur, when) {
			return
		}
	}
}

// adjustTimersLocked applies pending lazy modifications and deletions
// discovered while walking the heap: this is the only place a
// MODIFIED_* or DELETED entry gets physically repositioned or removed,
// and it is only invoked from CheckTimers (never from Stop/Modify's hot
// path).
func (w *Wheel) adjustTimersLocked(now int64) {
	hint := w.modifiedEarliest.Load()
	if hint != 0 && hint > now {
		return
	}
	w.modifiedEarliest.Store(0)

	changed := false
	for i := 0; i < len(w.heap); i++ {
		t := w.heap[i]
		cur := t.status.load()
		switch cur {
		case ModifiedEarlier, ModifiedLater:
			if !t.status.cas(cur, Moving) {
				i--
				continue
			}
			t.when = t.nextWhen
			t.status.store(Waiting)
			changed = true
		}
	}
	if changed {
		w.rebuildLocked()
	}
}

// maybeCompactLocked runs clear_deleted_timers when the deleted-to-live
// ratio makes it cheap: see DESIGN.md for the resolution of which
// direction this inequality should run.
func (w *Wheel) maybeCompactLocked() {
	if w.cfg.TimerCompactionDivisor <= 0 || w.numTimers == 0 {
		return
	}
	if w.deletedTimers*w.cfg.TimerCompactionDivisor <= w.numTimers {
		w.clearDeletedLocked()
	}
}

func (w *Wheel) clearDeletedLocked() {
	if w.deletedTimers == 0 {
		return
	}
	live := w.heap[:0]
	for _, t := range w.heap {
		if t.status.load() == Deleted {
			continue
		}
		live = append(live, t)
	}
	w.heap = live
	w.deletedTimers = 0
	w.numTimers = len(w.heap)
	w.rebuildLocked()
}

func (w *Wheel) rebuildLocked() {
	for i := range w.heap {
		w.heap[i].index = i
	}
	for i := (len(w.heap) - 2) / 4; i >= 0; i-- {
		w.siftDown(i)
	}
	w.publishTimer0Locked()
}

func (w *Wheel) pushLocked(t *Timer) int {
	t.index = len(w.heap)
	w.heap = append(w.heap, t)
	return t.index
}

func (w *Wheel) popLocked() *Timer {
	n := len(w.heap)
	top := w.heap[0]
	w.heap[0] = w.heap[n-1]
	w.heap[0].index = 0
	w.heap = w.heap[:n-1]
	top.index = -1
	if len(w.heap) > 0 {
		w.siftDown(0)
	}
	w.publishTimer0Locked()
	return top
}
