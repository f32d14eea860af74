package waitable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toysched/corekernel/kconfig"
	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/tsc"
)

func newTestScheduler(numCPUs int) *sched.Scheduler {
	cfg := kconfig.Default()
	cfg.IdleWakeInterval = time.Millisecond
	s := sched.New(cfg, tsc.NewFake(1_000_000), numCPUs)
	s.Start()
	return s
}

func TestWaitable_BufferedSendThenReceiveFIFO(t *testing.T) {
	w := New[int](4)

	require.True(t, w.Send(nil, 1, false))
	require.True(t, w.Send(nil, 2, false))

	v, ok := w.Wait(nil, false)
	require.True(t, ok)
	require.Equal(t, 1, v)

	v, ok = w.Wait(nil, false)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestWaitable_NonBlockingSendFailsWhenFull(t *testing.T) {
	w := New[int](1)
	require.True(t, w.Send(nil, 1, false))
	require.False(t, w.Send(nil, 2, false), "a full buffer must reject a non-blocking send")
}

func TestWaitable_NonBlockingWaitFailsWhenEmpty(t *testing.T) {
	w := New[int](1)
	_, ok := w.Wait(nil, false)
	require.False(t, ok)
}

func TestWaitable_CloseIsIdempotentAndMarksClosed(t *testing.T) {
	w := New[int](1)
	require.False(t, w.Closed())
	w.Close()
	require.True(t, w.Closed())
	require.NotPanics(t, w.Close, "closing twice must be a no-op")
}

func TestWaitable_SendAfterCloseFails(t *testing.T) {
	w := New[int](1)
	w.Close()
	require.False(t, w.Send(nil, 1, false))
}

func TestWaitable_WaitDrainsBufferedValuesAfterClose(t *testing.T) {
	w := New[int](2)
	require.True(t, w.Send(nil, 1, false))
	w.Close()

	v, ok := w.Wait(nil, false)
	require.True(t, ok, "a buffered value survives Close until drained")
	require.Equal(t, 1, v)

	_, ok = w.Wait(nil, false)
	require.False(t, ok, "the waitable reports closed once drained")
}

func TestWaitable_RendezvousHandoffBetweenProducerAndConsumer(t *testing.T) {
	s := newTestScheduler(1)
	defer s.StopAll()

	w := New[int](0) // size 0: pure rendezvous
	done := make(chan struct{})
	var received int
	var sendOK bool

	s.Spawn("producer", func(h *sched.Handle) {
		sendOK = w.Send(h, 42, true)
		h.Drop()
	}, nil).Wakeup()

	s.Spawn("consumer", func(h *sched.Handle) {
		v, ok := w.Wait(h, true)
		if ok {
			received = v
		}
		close(done)
		h.Drop()
	}, nil).Wakeup()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("rendezvous never completed")
	}
	require.True(t, sendOK)
	require.Equal(t, 42, received)
}

func TestWaitable_BlockedSenderWakesWhenBufferFrees(t *testing.T) {
	s := newTestScheduler(1)
	defer s.StopAll()

	w := New[int](1)
	require.True(t, w.Send(nil, 1, false)) // fill the one slot

	done := make(chan struct{})
	var sendOK bool
	s.Spawn("blocked-sender", func(h *sched.Handle) {
		sendOK = w.Send(h, 2, true) // must block until the slot frees
		close(done)
		h.Drop()
	}, nil).Wakeup()

	// Drain the buffered value from the test goroutine (not through the
	// scheduler) to free a slot for the blocked sender.
	var v int
	var ok bool
	deadline := time.Now().Add(time.Second)
	for {
		v, ok = w.Wait(nil, false)
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("buffered value never became available")
		}
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, v)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("blocked sender never woke up")
	}
	require.True(t, sendOK)
}

func TestWaitable_CloseWakesBlockedReceiverWithFailure(t *testing.T) {
	s := newTestScheduler(1)
	defer s.StopAll()

	w := New[int](0)
	done := make(chan struct{})
	var ok bool
	s.Spawn("consumer", func(h *sched.Handle) {
		_, ok = w.Wait(h, true)
		close(done)
		h.Drop()
	}, nil).Wakeup()

	// Give the consumer a moment to register as a blocked waiter before
	// closing; Close is safe to call regardless, but this keeps the test
	// meaningfully exercising the blocked path rather than racing it.
	time.Sleep(5 * time.Millisecond)
	w.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("closed waitable never woke its blocked receiver")
	}
	require.False(t, ok)
}
