package park

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toysched/corekernel/kconfig"
	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/tsc"
)

// newRealClockScheduler is used instead of newTestScheduler wherever a
// timer must genuinely become due: newTestScheduler's fake clock never
// advances on its own, so a timeout that depends on wall-clock progress
// would never fire against it.
func newRealClockScheduler(numCPUs int) *sched.Scheduler {
	cfg := kconfig.Default()
	cfg.IdleWakeInterval = time.Millisecond
	s := sched.New(cfg, tsc.NewMonotonic(), numCPUs)
	s.Start()
	return s
}

func TestSemaphore_AcquireNonBlockingSucceedsThenFailsWhenDrained(t *testing.T) {
	sem := NewSemaphore(1)
	require.True(t, sem.Acquire(nil, false, 0))
	require.False(t, sem.Acquire(nil, false, 0), "a second non-blocking acquire on a drained semaphore must fail")
}

func TestSemaphore_ReleaseRefillsForNonBlockingAcquire(t *testing.T) {
	sem := NewSemaphore(0)
	require.False(t, sem.Acquire(nil, false, 0))
	sem.Release(nil, false)
	require.True(t, sem.Acquire(nil, false, 0))
}

func TestSemaphore_BlockedAcquirerWokenByRelease(t *testing.T) {
	s := newTestScheduler(2)
	defer s.StopAll()

	sem := NewSemaphore(0)
	done := make(chan struct{})
	var acquired bool

	s.Spawn("waiter", func(h *sched.Handle) {
		acquired = sem.Acquire(h, false, -1) // wait forever
		close(done)
		h.Drop()
	}, nil).Wakeup()

	// Give the waiter a moment to register before releasing.
	time.Sleep(20 * time.Millisecond)
	sem.Release(nil, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked acquirer never woke up")
	}
	require.True(t, acquired)
}

func TestSemaphore_AcquireTimesOutWhenNeverReleased(t *testing.T) {
	s := newRealClockScheduler(1)
	defer s.StopAll()

	sem := NewSemaphore(0)
	done := make(chan struct{})
	var acquired bool

	s.Spawn("waiter", func(h *sched.Handle) {
		acquired = sem.Acquire(h, false, 20*time.Millisecond)
		close(done)
		h.Drop()
	}, nil).Wakeup()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire with timeout never returned")
	}
	require.False(t, acquired, "nothing ever released, so the timeout must fire")
}

func TestSemaphore_HandoffGrantsTicketDirectlyOnRelease(t *testing.T) {
	s := newTestScheduler(2)
	defer s.StopAll()

	sem := NewSemaphore(0)
	done := make(chan struct{})
	var acquired bool

	s.Spawn("waiter", func(h *sched.Handle) {
		acquired = sem.Acquire(h, false, -1)
		close(done)
		h.Drop()
	}, nil).Wakeup()

	time.Sleep(20 * time.Millisecond)

	s.Spawn("releaser", func(h *sched.Handle) {
		sem.Release(h, true) // handoff: grants the waiter a ticket directly
		h.Drop()
	}, nil).Wakeup()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handoff release never woke the waiter")
	}
	require.True(t, acquired)
}
