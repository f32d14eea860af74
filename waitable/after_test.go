package waitable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/toysched/corekernel/kconfig"
	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/tsc"
)

func TestAfter_FiresOnceThenCloses(t *testing.T) {
	cfg := kconfig.Default()
	cfg.IdleWakeInterval = time.Millisecond
	s := sched.New(cfg, tsc.NewMonotonic(), 1)
	s.Start()
	defer s.StopAll()

	done := make(chan struct{})
	var fired bool
	var closedAfter bool

	s.Spawn("waiter", func(h *sched.Handle) {
		w := After(h, 20*time.Millisecond)
		_, ok := w.Wait(h, true)
		fired = ok

		// A second receive must observe the waitable closed, since
		// After's timer callback closes it immediately after its one
		// send.
		_, ok = w.Wait(h, true)
		closedAfter = !ok

		close(done)
		h.Drop()
	}, nil).Wakeup()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("After never fired")
	}
	require.True(t, fired)
	require.True(t, closedAfter)
}
