package waitable

import (
	"time"

	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/timer"
)

// After returns a Waitable that receives once, d after it is created,
// grounded on original_source/kernel/thread/waitable.c's after(): a
// one-shot timer whose callback performs a non-blocking send and closes
// the waitable immediately afterward, since it will never be used again.
func After(h *sched.Handle, d time.Duration) *Waitable[time.Time] {
	w := New[time.Time](1)
	t := timer.New(func(arg any, now int64) {
		w.Send(nil, time.UnixMicro(now), false)
		w.Close()
	}, nil)
	h.Wheel().Start(t, h.Clock()+d.Microseconds(), 0)
	return w
}
