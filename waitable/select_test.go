package waitable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toysched/corekernel/sched"
)

func TestSelect_RecvArmReadyImmediately(t *testing.T) {
	a := New[int](1)
	b := New[int](1)
	require.True(t, b.Send(nil, 99, false))

	idx, v, ok := Select[int](nil, nil, nil, []*Waitable[int]{a, b}, false)
	require.True(t, ok)
	require.Equal(t, 1, idx)
	require.Equal(t, 99, v)
}

func TestSelect_SendArmReadyImmediately(t *testing.T) {
	a := New[int](1) // already full
	require.True(t, a.Send(nil, 1, false))
	b := New[int](1) // has room

	idx, _, ok := Select[int](nil, []*Waitable[int]{a, b}, []int{10, 20}, nil, false)
	require.True(t, ok)
	require.Equal(t, 1, idx, "only b (index 1) has room")

	v, ok := b.Wait(nil, false)
	require.True(t, ok)
	require.Equal(t, 20, v)
}

func TestSelect_NonBlockingReturnsFalseWhenNothingReady(t *testing.T) {
	a := New[int](1)
	idx, _, ok := Select[int](nil, nil, nil, []*Waitable[int]{a}, false)
	require.False(t, ok)
	require.Equal(t, -1, idx)
}

func TestSelect_ClosedRecvArmReportsFailure(t *testing.T) {
	a := New[int](1)
	a.Close()
	idx, _, ok := Select[int](nil, nil, nil, []*Waitable[int]{a}, false)
	require.False(t, ok)
	require.Equal(t, 0, idx)
}

func TestSelect_BlockingWaitsForAWinnerAcrossTwoWaitables(t *testing.T) {
	s := newTestScheduler(1)
	defer s.StopAll()

	a := New[int](0)
	b := New[int](0)

	done := make(chan struct{})
	var gotIndex int
	var gotVal int

	s.Spawn("selector", func(h *sched.Handle) {
		idx, v, ok := Select[int](h, nil, nil, []*Waitable[int]{a, b}, true)
		require.True(t, ok)
		gotIndex, gotVal = idx, v
		close(done)
		h.Drop()
	}, nil).Wakeup()

	s.Spawn("feeder", func(h *sched.Handle) {
		b.Send(h, 7, true)
		h.Drop()
	}, nil).Wakeup()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("select never resolved")
	}
	require.Equal(t, 1, gotIndex)
	require.Equal(t, 7, gotVal)
}
