package runqueue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/toysched/corekernel/thread"
)

func TestGlobal_PutGetFIFO(t *testing.T) {
	g := NewGlobal()
	a, b, c := newTestThread(1), newTestThread(2), newTestThread(3)

	g.Put(a)
	g.PutBatch([]*thread.Thread{b, c})
	require.Equal(t, 3, g.Len())

	got := g.Get(2)
	require.Len(t, got, 2)
	require.Same(t, a, got[0])
	require.Same(t, b, got[1])

	got = g.Get(0)
	require.Len(t, got, 1)
	require.Same(t, c, got[0])

	require.Equal(t, 0, g.Len())
	require.Empty(t, g.Get(1))
}

func TestCPUMask_SetClearTestCount(t *testing.T) {
	var m CPUMask
	_, ok := m.Any()
	require.False(t, ok)

	m.Set(3)
	m.Set(1)
	require.True(t, m.Test(1))
	require.True(t, m.Test(3))
	require.False(t, m.Test(2))
	require.Equal(t, 2, m.Count())

	id, ok := m.Any()
	require.True(t, ok)
	require.Equal(t, 1, id, "Any returns the lowest set bit")

	m.Clear(1)
	require.False(t, m.Test(1))
	require.Equal(t, 1, m.Count())
}
