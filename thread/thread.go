package thread

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/toysched/corekernel/klog"
)

// Scheduler is the narrow hook this package needs back into the
// scheduler core, kept as an interface (rather than importing the sched
// package directly) to avoid a cycle: sched depends on thread, not the
// other way around. Bind installs the live implementation once at
// startup, the same "package-level accessor behind a small interface"
// shape used by klog.SetLogger.
type Scheduler interface {
	// ReadyThread transitions t to Runnable and enqueues it. The sched
	// implementation always uses the global run queue, whatever the
	// caller's context.
	ReadyThread(t *Thread)
}

var scheduler Scheduler

// Bind installs the scheduler implementation. Must be called once during
// startup, before any thread is created.
func Bind(s Scheduler) { scheduler = s }

// TCB is the thread control block installed at the architectural TLS
// base on dispatch. Self must be preserved across everything except a
// true teardown, since a garbage collector stub may retain GCData's
// address.
type TCB struct {
	Self    *TCB
	GCData  any
	Managed unsafe.Pointer
}

// WaitingThread links a Thread into a channel's, semaphore's, or
// word-lock's wait queue.
type WaitingThread struct {
	Thread *Thread

	// Prev/Next: intra-queue doubly-linked position, owned by whichever
	// wait queue currently holds this node.
	Prev, Next *WaitingThread

	// WaitLink/WaitTail: inter-waiter singly-linked sub-chain used by
	// the semaphore's wait queue (the word-lock keeps its own queue
	// nodes and does not use these fields).
	WaitLink, WaitTail *WaitingThread

	// Ticket carries hand-off state: 0 normal, 1 direct-grant
	// (semaphore handoff), -1 timed out.
	Ticket int32

	// IsSelect marks this node as one arm of a multi-way select, which
	// changes dequeue to the CAS race-resolution protocol.
	IsSelect bool

	// Success records whether the wakeup was a genuine hand-off (true)
	// or a close/timeout (false).
	Success bool

	// Waitable is an opaque back-pointer to the owning channel,
	// typed as any to avoid a dependency on the waitable package.
	Waitable any
}

// Thread is the unit of scheduling.
type Thread struct {
	ID   uint16
	Name string

	Entry func(ctx any)
	Ctx   any

	Frame CpuFrame
	FX    FXState
	Stack StackInfo
	TCB   *TCB

	// HeapHandle stands in for original_source/kernel/thread/thread.h's
	// mimalloc per-thread heap pointer. The allocator itself is out of
	// scope here; only the field shape is kept so the data model
	// matches, and it is never dereferenced.
	HeapHandle unsafe.Pointer

	status atomicStatus

	// SchedLink threads this Thread onto exactly one run queue or
	// close-drain list at a time (singly linked, to break the
	// thread<->waiting-node<->waitable reference cycle).
	SchedLink *Thread

	PreemptStop atomic.Bool
	Preempt     atomic.Bool

	// Waker is set by whichever WaitingThread delivered this thread's
	// wakeup, letting a select's winner identify itself.
	Waker *WaitingThread

	// waitList is the head of WaitingThread nodes that reference this
	// thread (used when more than one queue might wake the same
	// thread, e.g. a select across several waitables).
	waitList *WaitingThread

	// SelectDone is the race-resolution flag: the first queue to CAS
	// this 0->1 wins the right to wake the thread for a select.
	SelectDone atomic.Uint32

	// waitUnlock, if non-nil, is released atomically with the park
	// entry point transitioning this thread off the CPU.
	waitUnlock func()

	refs atomic.Int32

	// resume and started back the hosted-Go stand-in for a context
	// switch: each Thread runs its RunTrampoline in its own goroutine,
	// parked on resume between quantums. A CPU dispatching this thread
	// either starts that goroutine (started transitions false->true) or
	// sends on resume to wake it back up; see package sched's CPU.runOn.
	resume  chan struct{}
	started atomic.Bool

	// currentCPU is an opaque handle (the sched package's *CPU) naming
	// whichever CPU is presently executing this thread, set by that CPU
	// immediately before starting or resuming the thread's goroutine.
	// The happens-before edge from starting/resuming a goroutine (or
	// sending on resume) makes a plain field safe to read once this
	// thread's own goroutine is running, without further synchronization.
	currentCPU any
}

// SetCurrentCPU records which CPU is about to run this thread.
func (t *Thread) SetCurrentCPU(c any) { t.currentCPU = c }

// CurrentCPU returns whichever CPU most recently started or resumed this
// thread. Valid to call only from the thread's own goroutine.
func (t *Thread) CurrentCPU() any { return t.currentCPU }

// Resume wakes this thread's goroutine after it has already been
// started once; the caller (a CPU) must not call this before Start.
func (t *Thread) Resume() { t.resume <- struct{}{} }

// ParkSelf blocks the calling goroutine (which must be this thread's
// own) until the owning CPU calls Resume.
func (t *Thread) ParkSelf() { <-t.resume }

// StartOnce launches run() in a new goroutine exactly once, lazily
// creating the resume channel. Returns false if it had already started,
// in which case the caller should call Resume instead.
func (t *Thread) StartOnce(run func()) bool {
	if t.resume == nil {
		// Buffered so that a CPU dispatching the very thread whose
		// goroutine is running dispatch (a yield or park that picks
		// itself again) does not block on its own resume channel.
		t.resume = make(chan struct{}, 1)
	}
	if !t.started.CompareAndSwap(false, true) {
		return false
	}
	go run()
	return true
}

// New allocates a thread: refcount 1, status Waiting, TLS zeroed but the
// TCB header preserved (here, simply allocated fresh since nothing
// pre-populates it), stack lazily accounted. The caller must call
// scheduler.ReadyThread (or the equivalent Wakeup helper) to make it
// runnable.
func New(id uint16, name string, entry func(ctx any), ctx any) *Thread {
	t := &Thread{
		ID:    id,
		Name:  name,
		Entry: entry,
		Ctx:   ctx,
		Stack: NewStackInfo(),
		TCB:   &TCB{},
	}
	t.TCB.Self = t.TCB
	t.Frame.RFlags = 0x200 // IF
	t.status.store(Waiting)
	t.refs.Store(1)
	return t
}

func (t *Thread) String() string {
	return fmt.Sprintf("thread(%d,%q,%s)", t.ID, t.Name, t.Status())
}

// Status returns the current status, Suspend bit included.
func (t *Thread) Status() Status { return t.status.load() }

// CASBase performs an ordinary (non-suspend) status transition.
func (t *Thread) CASBase(old, new_ Status) bool { return t.status.casBase(old, new_) }

// storeStatus forcibly sets status; only used at creation and teardown.
func (t *Thread) storeStatus(s Status) { t.status.store(s) }

// Wakeup readies a newly-created (or re-armed) thread via the bound
// scheduler.
func (t *Thread) Wakeup() {
	if scheduler == nil {
		panic("thread: Bind must be called before Wakeup")
	}
	scheduler.ReadyThread(t)
}

// SetWaitUnlock records a callback to be invoked atomically with park
// (the park entry point releases a carried lock on the caller's behalf).
func (t *Thread) SetWaitUnlock(fn func()) { t.waitUnlock = fn }

// TakeWaitUnlock consumes and returns the pending unlock callback, or
// nil if none is set.
func (t *Thread) TakeWaitUnlock() func() {
	fn := t.waitUnlock
	t.waitUnlock = nil
	return fn
}

// Retain increments the reference count: the scheduler holds the
// primary reference; timers and the managed runtime may add more.
func (t *Thread) Retain() { t.refs.Add(1) }

// Release decrements the reference count; the last release frees the
// stack accounting, TCB, and thread record (modeled here as dropping
// strong references so the GC can collect them - an explicit allocator
// is out of scope here).
func (t *Thread) Release() {
	if t.refs.Add(-1) == 0 {
		t.TCB = nil
		t.Entry = nil
		t.Ctx = nil
	}
}

// Exit does not return to the caller: it panics with a private signal
// that RunTrampoline recovers, so the thread's entry function stops and
// its goroutine ends. Exit does not invoke the "drop" scheduler entry
// point: the thread's status and registry entry are left unchanged and
// no next thread is dispatched on its CPU.

// threadExitSignal is a private type so only this package's trampoline
// can trigger the drop path; external panics never match it.
type threadExitSignal struct{ t *Thread }

func (t *Thread) Exit() {
	panic(threadExitSignal{t: t})
}

// RunTrampoline executes entry(ctx). It recovers exactly the
// threadExitSignal panic Exit raises, so a call to Exit simply ends the
// goroutine; any other panic is logged and re-raised, and nothing
// further up this goroutine recovers it.
func (t *Thread) RunTrampoline() {
	defer func() {
		if r := recover(); r != nil {
			if sig, ok := r.(threadExitSignal); ok && sig.t == t {
				return
			}
			klog.Err(klog.CategoryScheduler).Str("thread", t.String()).Log("thread entry panicked")
			panic(r)
		}
	}()
	t.Entry(t.Ctx)
}

// Registry is the stop-the-world iterator the GC stub uses, grounded on
// original_source/kernel/thread/thread.h's lock_all_threads /
// unlock_all_threads.
type Registry struct {
	mu      sync.Mutex
	threads map[uint16]*Thread
}

func NewRegistry() *Registry { return &Registry{threads: make(map[uint16]*Thread)} }

func (r *Registry) Add(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads[t.ID] = t
}

func (r *Registry) Remove(t *Thread) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, t.ID)
}

// Each calls fn for every live thread under the registry lock, stopping
// early if fn returns false. Held for the GC's stop-the-world snapshot.
func (r *Registry) Each(fn func(*Thread) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.threads {
		if !fn(t) {
			return
		}
	}
}
