package thread

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeScheduler struct{ readied []*Thread }

func (f *fakeScheduler) ReadyThread(t *Thread) { f.readied = append(f.readied, t) }

func TestSuspend_DeadThreadIsTrivialSuccess(t *testing.T) {
	th := New(1, "a", func(any) {}, nil)
	th.storeStatus(Dead)

	st := Suspend(th)
	require.True(t, st.Dead())

	Resume(st) // must be a no-op, not panic
}

func TestSuspend_RunnableGetsSuspendBitSetDirectly(t *testing.T) {
	th := New(2, "b", func(any) {}, nil)
	th.storeStatus(Runnable)

	st := Suspend(th)
	require.False(t, st.Dead())
	require.True(t, th.Status().Suspended())
	require.Equal(t, Runnable, th.Status().Base())

	Resume(st)
	require.False(t, th.Status().Suspended())
}

func TestSuspend_WaitingGetsSuspendBitSetDirectly(t *testing.T) {
	th := New(3, "c", func(any) {}, nil)
	// New() already leaves it Waiting.

	st := Suspend(th)
	require.True(t, th.Status().Suspended())
	require.Equal(t, Waiting, th.Status().Base())

	Resume(st)
	require.Equal(t, Waiting, th.Status())
}

func TestSuspend_PreemptedIsClaimedAsWaitingAndSuspendedThenResumeReadies(t *testing.T) {
	sched := &fakeScheduler{}
	Bind(sched)
	defer Bind(nil)

	th := New(4, "d", func(any) {}, nil)
	th.storeStatus(Preempted)
	th.PreemptStop.Store(true)
	th.Preempt.Store(true)

	st := Suspend(th)
	require.True(t, st.stopped)
	require.Equal(t, Waiting, th.Status().Base())
	require.True(t, th.Status().Suspended())
	require.False(t, th.PreemptStop.Load())
	require.False(t, th.Preempt.Load())

	Resume(st)
	require.False(t, th.Status().Suspended())
	require.Len(t, sched.readied, 1, "a stopped suspension must re-ready the thread on resume")
	require.Same(t, th, sched.readied[0])
}

func TestSuspend_RunningRequestsAsyncPreemptAndSpinsUntilItReachesASafePoint(t *testing.T) {
	sched := &fakeScheduler{}
	Bind(sched)
	defer Bind(nil)

	th := New(5, "e", func(any) {}, nil)
	th.storeStatus(Running)

	// Suspend spins on a Running thread until its own safe point observes
	// Preempt/PreemptStop and transitions itself out of Running; simulate
	// that cooperating transition from another goroutine once the request
	// has been posted.
	done := make(chan struct{})
	go func() {
		for !th.Preempt.Load() || !th.PreemptStop.Load() {
		}
		th.CASBase(Running, Preempted)
		close(done)
	}()

	st := Suspend(th)
	<-done

	require.True(t, st.stopped)
	require.Equal(t, Waiting, th.Status().Base())
	require.True(t, th.Status().Suspended())

	Resume(st)
	require.False(t, th.Status().Suspended())
}
