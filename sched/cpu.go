// Package sched is the scheduler core: the four entry points
// (schedule/yield/park/drop), the dispatch/find-runnable algorithm,
// work stealing, and the idle loop. It generalizes toysched's P/M
// split into a single CPU type that owns a local run queue and a timer
// wheel, and drives a cooperating Thread's goroutine through a channel
// handshake in place of a real register-save/restore context switch
// (there is no way to suspend an arbitrary running goroutine
// mid-function from the outside in hosted Go; see DESIGN.md for why a
// channel handshake is the faithful hosted equivalent of "save frame,
// pick next, restore frame").
package sched

import (
	"math/rand"
	"runtime"
	"sync/atomic"

	"github.com/toysched/corekernel/klog"
	"github.com/toysched/corekernel/runqueue"
	"github.com/toysched/corekernel/thread"
	"github.com/toysched/corekernel/timer"
)

// CPU is one logical processor: identity, a local run queue, a timer
// wheel, and the preemption bookkeeping.
type CPU struct {
	ID int

	ring  *runqueue.Ring
	wheel *timer.Wheel

	sched *Scheduler
	rng   *rand.Rand

	current atomic.Pointer[thread.Thread]

	// preemptDepth models the task-priority register: depth>0 means no
	// preemption tick may act on this CPU.
	preemptDepth atomic.Int32

	tick     atomic.Uint64
	deadline atomic.Int64 // next preemption deadline, µs

	idle atomic.Bool

	// wakeCh is signalled by wakeCPU when another CPU hands work to this
	// one while it is halted in findRunnable's idle wait.
	wakeCh chan struct{}
}

// PreemptDisable/PreemptEnable raise and lower the preemption depth that
// CanPreempt (and so safepoint) consults. Nothing in this package calls
// them: the scheduler's own paths run without raising the depth.
func (c *CPU) PreemptDisable() { c.preemptDepth.Add(1) }
func (c *CPU) PreemptEnable()  { c.preemptDepth.Add(-1) }

// CanPreempt reports whether this CPU is not inside a preempt-disabled
// section.
func (c *CPU) CanPreempt() bool { return c.preemptDepth.Load() == 0 }

// Current returns whichever thread is logically running on this CPU.
func (c *CPU) Current() *thread.Thread { return c.current.Load() }

// dispatch implements the scheduling algorithm: every
// GlobalFairnessPeriod ticks take one from global first; else local
// get; else find_runnable (local -> global -> steal -> idle-halt). It
// hands the CPU to the chosen thread via the goroutine/channel
// handshake described at package level, never returning until another
// dispatch hands the CPU back to the caller's own thread.
func (c *CPU) dispatch() {
	next, inheritTime := c.findNext()
	c.runOn(next, inheritTime)
}

func (c *CPU) findNext() (*thread.Thread, bool) {
	tick := c.tick.Add(1)
	if int(tick)%c.sched.cfg.GlobalFairnessPeriod == 0 {
		if batch := c.sched.global.Get(1); len(batch) > 0 {
			return batch[0], false
		}
	}

	if t, inherit := c.ring.Get(); t != nil {
		return t, inherit
	}

	return c.findRunnable()
}

// findRunnable is the fallback path once findNext found the local ring
// empty: re-check the local ring and the global queue, try stealing
// from a peer, else halt until woken or IdleWakeInterval elapses, and
// loop.
func (c *CPU) findRunnable() (*thread.Thread, bool) {
	for {
		if t, inherit := c.ring.Get(); t != nil {
			return t, inherit
		}
		if batch := c.sched.global.Get(1); len(batch) > 0 {
			return batch[0], false
		}
		if c.canSpin() {
			if t := c.stealFromPeers(); t != nil {
				return t, false
			}
		}

		c.idle.Store(true)
		c.sched.global.Idle.Set(c.ID)
		woke := c.sched.idleWait(c.ID, c.sched.cfg.IdleWakeInterval)
		c.sched.global.Idle.Clear(c.ID)
		c.idle.Store(false)
		if woke {
			continue
		}
		// Timed out waiting; loop again to re-check both queues
		// (mirrors "on wake, clear idle bit and loop").
	}
}

// canSpin gates work stealing in findRunnable: it allows a steal attempt
// only with more than one CPU, an empty local ring, and at least one CPU
// not idle. It takes no iteration count, and the parking primitives do
// not call it.
func (c *CPU) canSpin() bool {
	return len(c.sched.cpus) > 1 && c.ring.Empty() && c.sched.global.Idle.Count() < len(c.sched.cpus)
}

func (c *CPU) stealFromPeers() *thread.Thread {
	order := permutation(c.rng, len(c.sched.cpus))
	for pass := 0; pass < c.sched.cfg.StealPasses; pass++ {
		stealNext := pass == c.sched.cfg.StealPasses-1
		for _, id := range order {
			if id == c.ID {
				continue
			}
			victim := c.sched.cpus[id]
			if batch := victim.ring.Steal(stealNext); len(batch) > 0 {
				for _, t := range batch[1:] {
					c.ring.Put(t, false)
				}
				return batch[0]
			}
		}
	}
	return nil
}

// enqueueLocal puts t back on this CPU's local ring, migrating the
// overflow batch to the global queue and waking an idle peer if the
// ring was full.
func (c *CPU) enqueueLocal(t *thread.Thread, next bool) {
	overflow, overflowed := c.ring.Put(t, next)
	if overflowed {
		c.sched.global.PutBatch(overflow)
		c.sched.wakeCPU()
	}
}

// yield is entry point 2: give up the remainder of the quantum
// voluntarily. t is this CPU's own calling thread, requeued onto the
// tail of this same CPU's local ring.
func (c *CPU) yield(t *thread.Thread) {
	if !t.CASBase(thread.Running, thread.Runnable) {
		klog.Err(klog.CategoryScheduler).Str("thread", t.String()).Log("yield: thread was not Running")
		return
	}
	c.enqueueLocal(t, false)
	c.dispatch()
	t.ParkSelf()
}

// park is entry point 3: block until woken. Any unlock callback carried
// via thread.SetWaitUnlock runs atomically with the Running->Waiting
// transition, so the caller's lock is released only once the thread is
// safely off the CPU.
func (c *CPU) park(t *thread.Thread) {
	if !t.CASBase(thread.Running, thread.Waiting) {
		klog.Err(klog.CategoryScheduler).Str("thread", t.String()).Log("park: thread was not Running")
		return
	}
	if unlock := t.TakeWaitUnlock(); unlock != nil {
		unlock()
	}
	c.dispatch()
	t.ParkSelf()
}

// drop is entry point 4: thread exit. It never returns to the caller;
// the calling goroutine becomes, for its remaining lifetime, this CPU's
// dispatcher for whatever runs next, then ends.
func (c *CPU) drop(t *thread.Thread) {
	if !t.CASBase(thread.Running, thread.Dead) {
		klog.Err(klog.CategoryScheduler).Str("thread", t.String()).Log("drop: thread was not Running")
	}
	c.sched.registry.Remove(t)
	t.Release()
	c.dispatch()
	runtime.Goexit()
}

// safepoint is the cooperative preemption check: it yields on the
// caller's behalf if its quantum has expired or an external tick/Suspend
// requested it. A Suspend request (PreemptStop) and an ordinary
// preemption tick (Preempt) are handled differently: PreemptStop means
// a suspender is actively waiting to claim this thread, so it is parked
// as Preempted without being re-enqueued anywhere (the suspender itself
// will later move it to Waiting and ready it again via Resume); an
// ordinary expired-quantum or tick-requested preemption instead goes
// back onto the global run queue as Runnable, same as any other
// forced preemption.
func (c *CPU) safepoint() {
	t := c.current.Load()
	if t == nil || !c.CanPreempt() {
		return
	}
	stopRequested := t.PreemptStop.Load()
	expired := c.sched.clock.Now() >= c.deadline.Load()
	tickRequested := t.Preempt.Load()
	if !stopRequested && !expired && !tickRequested {
		return
	}
	t.Preempt.Store(false)

	if stopRequested {
		if t.CASBase(thread.Running, thread.Preempted) {
			c.dispatch()
			t.ParkSelf()
		}
		// Lost a race with a concurrent transition; nothing more to do.
		return
	}

	if t.CASBase(thread.Running, thread.Runnable) {
		c.sched.global.Put(t)
		c.dispatch()
		t.ParkSelf()
		return
	}
	// Lost a race with a concurrent transition (e.g. the thread is
	// already being suspended); nothing more to do here.
}

// runOn hands the CPU to next: marks it Running, programs the next
// preemption deadline (inheriting the remainder of the slice if it came
// from run-next), and resumes its goroutine.
func (c *CPU) runOn(next *thread.Thread, inheritTime bool) {
	// A thread picked off a run queue is Runnable: safepoint never
	// enqueues a Preempted thread, and ReadyThread turns a Preempted
	// one into Runnable first. A Preempted status is nonetheless also
	// accepted here and promoted straight to Running.
	if !next.CASBase(thread.Runnable, thread.Running) && !next.CASBase(thread.Preempted, thread.Running) {
		// A concurrent suspend or an impossible state; log and drop the
		// dispatch attempt rather than corrupting bookkeeping.
		klog.Err(klog.CategoryScheduler).Str("thread", next.String()).
			Log("runOn: thread was not Runnable at dispatch")
		return
	}
	c.current.Store(next)

	quantum := c.sched.cfg.PreemptionQuantum
	if !inheritTime {
		c.deadline.Store(c.sched.clock.Now() + quantum.Microseconds())
	}

	c.sched.startOrResume(c, next)
}
