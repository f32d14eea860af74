package thread

import "sync/atomic"

// Status is the atomic thread-status enum. The low bits hold one of the
// base states; Suspend is OR-ed in orthogonally by the GC's cooperative
// stop-the-world protocol and must never be confused with a base state
// when comparing with ==.
type Status uint32

const (
	Idle Status = iota
	Runnable
	Running
	Waiting
	Preempted
	Dead

	statusMask = 0xff

	// Suspend is OR-ed into Status by suspend_thread/resume_thread only.
	Suspend Status = 1 << 8
)

func (s Status) String() string {
	switch s.Base() {
	case Idle:
		return "idle"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Preempted:
		return "preempted"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Base strips the Suspend bit, returning the underlying state.
func (s Status) Base() Status { return s & statusMask }

// Suspended reports whether the Suspend bit is set.
func (s Status) Suspended() bool { return s&Suspend != 0 }

// atomicStatus wraps atomic.Uint32 with CAS helpers: transitions that
// are not suspend/resume must never touch the Suspend bit, so casBase
// asserts it is clear on both sides.
type atomicStatus struct {
	v atomic.Uint32
}

func (a *atomicStatus) load() Status { return Status(a.v.Load()) }

func (a *atomicStatus) store(s Status) { a.v.Store(uint32(s)) }

// cas performs a plain CAS, allowing the Suspend bit to differ (used by
// suspend/resume, which manipulate exactly that bit).
func (a *atomicStatus) cas(old, new_ Status) bool {
	return a.v.CompareAndSwap(uint32(old), uint32(new_))
}

// casBase performs a normal status transition: old and new must both
// have Suspend clear, and the CAS fails (rather than corrupting state)
// if a concurrent suspend request set the bit first.
func (a *atomicStatus) casBase(old, new_ Status) bool {
	if old.Suspended() || new_.Suspended() {
		panic("thread: casBase called with Suspend bit set")
	}
	return a.v.CompareAndSwap(uint32(old), uint32(new_))
}
