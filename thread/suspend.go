package thread

// SuspendState is returned by Suspend and consumed by Resume.
type SuspendState struct {
	t       *Thread
	dead    bool
	stopped bool
}

// Dead reports whether the thread had already exited when Suspend was
// called. A dead thread is treated as trivial success without recording
// anything further in the suspension state; this implementation records
// Dead purely for the caller's information, never blocking on it (see
// DESIGN.md).
func (s SuspendState) Dead() bool { return s.dead }

// Suspend implements the cooperative GC safe-point protocol: it loops
// reading status and applying the matching transition for whatever state
// it observes, returning once the thread is either confirmed dead or has
// the Suspend bit set.
func Suspend(t *Thread) SuspendState {
	for {
		cur := t.status.load()
		base := cur.Base()

		switch base {
		case Dead:
			return SuspendState{t: t, dead: true}

		case Preempted:
			// Claim the preempted thread: move it to Waiting (so it is
			// not mistaken for runnable by a racing dispatcher) and
			// clear the preempt-request flags, then set Suspend right
			// away.
			if t.status.cas(Preempted, Waiting) {
				t.PreemptStop.Store(false)
				t.Preempt.Store(false)
				if t.status.cas(Waiting, Waiting|Suspend) {
					return SuspendState{t: t, stopped: true}
				}
			}
			// lost the race; re-read and retry.

		case Runnable, Waiting:
			if t.status.cas(cur, cur|Suspend) {
				return SuspendState{t: t}
			}

		case Running:
			// Request async preemption: raise Suspend, set the
			// preempt flags, then lower Suspend again so the running
			// thread's own next safe point (a scheduler entry point)
			// observes preempt_stop/preempt and transitions itself.
			if t.status.cas(cur, cur|Suspend) {
				t.PreemptStop.Store(true)
				t.Preempt.Store(true)
				t.status.cas(cur|Suspend, cur)
			}
			// Spin until the target reaches a safe point and the
			// status moves out of Running.
		}
	}
}

// Resume clears the Suspend bit and, if Suspend had observed the thread
// mid-preemption (stopped == true), re-readies it.
func Resume(s SuspendState) {
	if s.dead {
		return
	}
	t := s.t
	for {
		cur := t.status.load()
		if !cur.Suspended() {
			// Nothing to clear; another Resume (or a status we don't
			// expect) already cleared it.
			break
		}
		if t.status.cas(cur, cur&^Suspend) {
			break
		}
	}
	if s.stopped {
		t.Wakeup()
	}
}
