package thread

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAtomicStatus_CASBaseRejectsSuspendBit(t *testing.T) {
	var s atomicStatus
	s.store(Runnable)

	require.Panics(t, func() { s.casBase(Runnable|Suspend, Running) })
	require.Panics(t, func() { s.casBase(Runnable, Running|Suspend) })
}

func TestAtomicStatus_CASBase(t *testing.T) {
	var s atomicStatus
	s.store(Runnable)

	require.True(t, s.casBase(Runnable, Running))
	require.Equal(t, Running, s.load())
	require.False(t, s.casBase(Runnable, Running), "stale old value must fail")
}

func TestStatus_SuspendedAndBase(t *testing.T) {
	st := Waiting | Suspend
	require.True(t, st.Suspended())
	require.Equal(t, Waiting, st.Base())
	require.Equal(t, "waiting", st.Base().String())
}
