package sched

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/toysched/corekernel/kconfig"
	"github.com/toysched/corekernel/klog"
	"github.com/toysched/corekernel/runqueue"
	"github.com/toysched/corekernel/thread"
	"github.com/toysched/corekernel/timer"

	"github.com/joeycumines/go-catrate"
)

// Scheduler owns every CPU, the global run queue, and the shared
// configuration/clock, and implements thread.Scheduler so timers,
// waitables, and the suspend/resume protocol can wake threads from
// outside the dispatching CPU's own call stack.
type Scheduler struct {
	cpus   []*CPU
	global *runqueue.Global
	cfg    kconfig.Config
	clock  tscSource

	registry *thread.Registry
	nextID   atomic.Uint32

	// wakeLimiter debounces wake_cpu's repeated IPIs to an already-woken
	// CPU.
	wakeLimiter *catrate.Limiter

	stop chan struct{}
}

// tscSource is the one method of tsc.Source the scheduler needs, so any
// clock with Now (tsc.Fake in tests, for instance) can be passed to New.
type tscSource interface{ Now() int64 }

// New brings up a Scheduler with numCPUs CPUs (a single CPU if numCPUs
// is not positive) and binds it as the live thread.Scheduler. It does
// not read cfg.NumCPUs; the caller chooses the count.
func New(cfg kconfig.Config, clock tscSource, numCPUs int) *Scheduler {
	if numCPUs <= 0 {
		numCPUs = 1
	}
	s := &Scheduler{
		global:   runqueue.NewGlobal(),
		cfg:      cfg,
		clock:    clock,
		registry: thread.NewRegistry(),
		wakeLimiter: catrate.NewLimiter(map[time.Duration]int{
			cfg.WakeDebounce: 1,
		}),
		stop: make(chan struct{}),
	}
	for i := 0; i < numCPUs; i++ {
		c := &CPU{
			ID:     i,
			ring:   runqueue.NewRing(uint32(cfg.RunQueueSize)),
			sched:  s,
			rng:    rand.New(rand.NewSource(int64(i) + 1)),
			wakeCh: make(chan struct{}, 1),
		}
		c.wheel = timer.NewWheel(i, clock, cfg, &s.global.TimersActive)
		s.cpus = append(s.cpus, c)
	}
	thread.Bind(s)
	return s
}

// Start launches, for each CPU, a tick-driving goroutine (the hosted
// stand-in for the local-APIC timer interrupt) and a bootstrap dispatch
// goroutine, and returns without waiting for them to begin running. It
// does not itself make any thread runnable; call Spawn and then Wakeup
// to seed work.
func (s *Scheduler) Start() {
	for _, c := range s.cpus {
		go c.driveTicks(s.stop)
		// Each CPU needs one goroutine to make its very first dispatch
		// call; every dispatch after that is made by whichever thread
		// goroutine is giving up the CPU (yield/park/drop/safepoint).
		// This bootstrap goroutine's own job ends the moment it hands
		// off to (or starts idling for) the first thread - it never
		// parks itself, since nothing will ever resume it.
		go c.dispatch()
	}
}

// StopAll halts every CPU's tick-driving goroutine. It does not forcibly
// kill in-flight threads; it is meant for orderly shutdown of an
// otherwise-idle scheduler (tests mostly).
func (s *Scheduler) StopAll() { close(s.stop) }

// CPUCount reports how many logical CPUs this scheduler brought up.
func (s *Scheduler) CPUCount() int { return len(s.cpus) }

// Handle is what a spawned thread's entry function receives: its own
// identity plus the scheduler's four entry points, bound to whichever
// CPU is presently running it.
type Handle struct {
	t   *thread.Thread
	ctx any
}

// Ctx returns the context value passed to Spawn.
func (h *Handle) Ctx() any { return h.t.Ctx }

// Thread exposes the underlying control block, mostly for logging/tests.
func (h *Handle) Thread() *thread.Thread { return h.t }

func (h *Handle) cpu() *CPU { return h.t.CurrentCPU().(*CPU) }

// Wheel exposes the calling thread's current CPU's timer wheel, for
// building timer-backed primitives like waitable.After without giving
// the waitable package a dependency on CPU internals.
func (h *Handle) Wheel() *timer.Wheel { return h.cpu().wheel }

// Clock exposes the scheduler's shared tick source.
func (h *Handle) Clock() int64 { return h.cpu().sched.clock.Now() }

// Yield implements the cooperative "give up the remainder of my
// quantum" entry point: the calling thread goes back to Runnable, is
// requeued locally, and the CPU dispatches whatever is next. It returns
// once this thread is dispatched again.
func (h *Handle) Yield() { h.cpu().yield(h.t) }

// Park implements the blocking entry point used by waitables and the
// parking primitives: the caller transitions to Waiting, its carried
// unlock callback (if any, set via thread.SetWaitUnlock) runs atomically
// with the transition, and the CPU dispatches the next thread. Park
// returns once something calls ReadyThread on this thread again and it
// is dispatched. It returns no value; suspend/resume never changes the
// base status, so Park always resumes via a real wakeup.
func (h *Handle) Park() { h.cpu().park(h.t) }

// Drop implements thread exit: the thread is marked Dead, removed from
// the registry, its reference released, and the CPU dispatches the next
// thread. Drop never returns to the caller.
func (h *Handle) Drop() { h.cpu().drop(h.t) }

// Safepoint is the cooperative preemption check an Entry body is
// expected to call periodically, since hosted Go cannot truly interrupt
// arbitrary running code from the outside: if this thread's quantum has
// expired or an external Suspend requested it, Safepoint yields (or, for
// a Suspend request, parks as Preempted) on the caller's behalf.
func (h *Handle) Safepoint() { h.cpu().safepoint() }

// Spawn allocates a new thread bound to fn and returns it in the Waiting
// state; the caller must call Wakeup (thread.Thread.Wakeup) to make it
// runnable, keeping creation and readying as two distinct steps.
func (s *Scheduler) Spawn(name string, fn func(h *Handle), ctx any) *thread.Thread {
	id := uint16(s.nextID.Add(1))
	var t *thread.Thread
	h := &Handle{ctx: ctx}
	t = thread.New(id, name, func(ctx any) { fn(h) }, ctx)
	h.t = t
	s.registry.Add(t)
	return t
}

// ReadyThread implements thread.Scheduler. Every external wakeup routes
// through the global run queue rather than attempting to target the
// waking thread's last-run CPU's run-next slot; this
// costs the run-next fast-path for externally-triggered wakeups only,
// never for Yield.
func (s *Scheduler) ReadyThread(t *thread.Thread) {
	if !t.CASBase(thread.Waiting, thread.Runnable) &&
		!t.CASBase(thread.Preempted, thread.Runnable) {
		klog.Err(klog.CategoryScheduler).Str("thread", t.String()).
			Log("ReadyThread: thread was not waiting/preempted")
		return
	}
	s.global.Put(t)
	s.wakeCPU()
}

// startOrResume is called by CPU.runOn to hand control to next: either
// start its goroutine for the first time or send on its resume channel.
func (s *Scheduler) startOrResume(c *CPU, next *thread.Thread) {
	next.SetCurrentCPU(c)
	started := next.StartOnce(next.RunTrampoline)
	if !started {
		next.Resume()
	}
}

// idleWait blocks the calling (idle) CPU's goroutine until wakeCPU
// targets it or interval elapses, returning whether it was woken.
func (s *Scheduler) idleWait(cpuID int, interval time.Duration) bool {
	c := s.cpus[cpuID]
	select {
	case <-c.wakeCh:
		return true
	case <-time.After(interval):
		return false
	}
}

// wakeCPU picks an idle CPU (if any) and nudges its idle wait loop,
// debounced through wakeLimiter so a burst of readies against the same
// idle CPU collapses into a single wake.
func (s *Scheduler) wakeCPU() {
	id, ok := s.global.Idle.Any()
	if !ok {
		return
	}
	if _, allow := s.wakeLimiter.Allow(id); !allow {
		return
	}
	select {
	case s.cpus[id].wakeCh <- struct{}{}:
	default:
	}
}

// driveTicks is the hosted stand-in for the local-APIC timer interrupt:
// it periodically fires this CPU's due timers and, if the currently
// running thread's quantum has expired, requests a preemption by setting
// its Preempt flag for the next Safepoint call to observe. Hosted Go
// cannot forcibly stop a running goroutine from the outside, so the flag
// is advisory until the thread itself cooperates.
func (c *CPU) driveTicks(stop <-chan struct{}) {
	interval := c.sched.cfg.IdleWakeInterval
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := c.sched.clock.Now()
			c.wheel.CheckTimers(now)
			if t := c.current.Load(); t != nil && now >= c.deadline.Load() {
				t.Preempt.Store(true)
			}
		}
	}
}
