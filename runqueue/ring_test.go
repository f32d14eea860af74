package runqueue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toysched/corekernel/thread"
)

func newTestThread(id uint16) *thread.Thread {
	return thread.New(id, "t", func(any) {}, nil)
}

func TestRing_PutGetFIFO(t *testing.T) {
	r := NewRing(8)
	a := newTestThread(1)
	b := newTestThread(2)

	overflow, overflowed := r.Put(a, false)
	require.False(t, overflowed)
	require.Nil(t, overflow)

	_, overflowed = r.Put(b, false)
	require.False(t, overflowed)

	got, inherit := r.Get()
	require.Same(t, a, got)
	require.False(t, inherit)

	got, inherit = r.Get()
	require.Same(t, b, got)
	require.False(t, inherit)

	got, _ = r.Get()
	require.Nil(t, got)
}

func TestRing_RunNextPreemptsFIFOAndDisplaces(t *testing.T) {
	r := NewRing(8)
	a := newTestThread(1)
	b := newTestThread(2)
	c := newTestThread(3)

	r.Put(a, false)
	_, overflowed := r.Put(b, true) // goes straight to run-next
	require.False(t, overflowed)

	got, inherit := r.Get()
	require.Same(t, b, got, "run-next must be served before the FIFO body")
	require.True(t, inherit)

	// Displace the next run-next occupant back through the normal path.
	r.Put(c, true)
	d := newTestThread(4)
	overflow, overflowed := r.Put(d, true)
	require.False(t, overflowed)
	require.Nil(t, overflow)

	got, inherit = r.Get() // d, the new run-next occupant
	require.Same(t, d, got)
	require.True(t, inherit)

	got, _ = r.Get()
	require.Same(t, a, got)

	got, _ = r.Get() // c, displaced into the ring behind a
	require.Same(t, c, got)
}

func TestRing_OverflowMigratesHalfPlusNewThread(t *testing.T) {
	r := NewRing(4)
	for i := uint16(0); i < 4; i++ {
		overflow, overflowed := r.Put(newTestThread(i), false)
		require.False(t, overflowed)
		require.Nil(t, overflow)
	}

	overflow, overflowed := r.Put(newTestThread(99), false)
	require.True(t, overflowed)
	require.Len(t, overflow, 2+1, "half the ring (2) plus the new thread")
}

func TestRing_StealTakesHalfAndRunNextOnLastPass(t *testing.T) {
	r := NewRing(8)
	for i := uint16(0); i < 4; i++ {
		r.Put(newTestThread(i), false)
	}
	r.Put(newTestThread(100), true)

	batch := r.Steal(false)
	require.Len(t, batch, 2, "a non-final pass takes half the ring body")

	for {
		// Drain the remainder of the ring body (not run-next, since
		// stealNext is false) before exercising the last-pass fallback.
		more := r.Steal(false)
		if len(more) == 0 {
			break
		}
	}

	batch = r.Steal(true)
	require.Len(t, batch, 1, "stealNext must fall back to run-next once the ring body empties")
}

func TestRing_Empty(t *testing.T) {
	r := NewRing(4)
	require.True(t, r.Empty())
	r.Put(newTestThread(1), false)
	require.False(t, r.Empty())
}
