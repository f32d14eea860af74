// kerneldemo brings up a hosted scheduler instance and drives every
// major component through one cooperative workload: worker threads
// racing over a word-lock and a semaphore, a producer/consumer pair over
// a waitable channel received through Select (the channel is the
// select's only arm; a timer waitable from After is polled once,
// without blocking, afterwards), and a suspend/resume GC safe-point
// sweep across every live thread.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/toysched/corekernel/kconfig"
	"github.com/toysched/corekernel/klog"
	"github.com/toysched/corekernel/park"
	"github.com/toysched/corekernel/sched"
	"github.com/toysched/corekernel/thread"
	"github.com/toysched/corekernel/tsc"
	"github.com/toysched/corekernel/waitable"
)

func main() {
	configPath := flag.String("config", "", "optional TOML config overriding the defaults")
	flag.Parse()

	cfg := kconfig.Default()
	if *configPath != "" {
		loaded, err := kconfig.LoadTOML(*configPath)
		if err != nil {
			klog.Err(klog.CategoryScheduler).Str("path", *configPath).Log("failed to load config, using defaults")
		} else {
			cfg = loaded
		}
	}
	cfg.IdleWakeInterval = time.Millisecond

	numCPUs := cfg.NumCPUs
	if numCPUs == 0 {
		numCPUs = tsc.NumCPU()
	}
	s := sched.New(cfg, tsc.NewMonotonic(), numCPUs)
	s.Start()
	defer s.StopAll()

	klog.Info(klog.CategoryScheduler).Int("cpus", s.CPUCount()).Log("scheduler online")

	done := make(chan struct{})
	go runWorkload(s, done)
	<-done
}

func runWorkload(s *sched.Scheduler, done chan<- struct{}) {
	wl := park.NewWordLock(kconfig.Default())
	sem := park.NewSemaphore(2) // two permits: allow two concurrent critical sections

	var counter int
	const workers = 8
	workersDone := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		id := i
		s.Spawn(fmt.Sprintf("worker-%d", id), func(h *sched.Handle) {
			if !sem.Acquire(h, false, time.Second) {
				klog.Warn(klog.CategoryPark).Int("id", id).Log("worker timed out acquiring semaphore")
				workersDone <- struct{}{}
				h.Drop()
			}
			wl.Lock(h)
			counter++
			h.Yield()
			wl.Unlock(h)
			sem.Release(h, true)
			workersDone <- struct{}{}
			h.Drop()
		}, nil).Wakeup()
	}
	for i := 0; i < workers; i++ {
		<-workersDone
	}
	klog.Info(klog.CategoryScheduler).Int("counter", counter).Log("workers settled the counter")

	ch := waitable.New[string](0) // rendezvous
	timeout := make(chan struct{})

	s.Spawn("producer", func(h *sched.Handle) {
		ch.Send(h, "payload", true)
		h.Drop()
	}, nil).Wakeup()

	s.Spawn("consumer", func(h *sched.Handle) {
		after := waitable.After(h, 500*time.Millisecond)
		idx, v, ok := waitable.Select[string](
			h,
			nil, nil,
			[]*waitable.Waitable[string]{ch},
			true,
		)
		if ok && idx == 0 {
			klog.Info(klog.CategoryWaitable).Str("value", v).Log("consumer received a rendezvous send")
		}
		// Poll the timer waitable once without blocking. After has no
		// goroutine of its own; if the timer has not fired yet this
		// returns empty and the timer stays armed on its wheel.
		after.Wait(h, false)
		close(timeout)
		h.Drop()
	}, nil).Wakeup()

	<-timeout

	// A minimal stop-the-world sweep: a spinning worker checks in at a
	// safe point every iteration; the "GC" suspends it mid-loop, takes
	// its snapshot (just the status here), then resumes it.
	stop := make(chan struct{})
	spinning := make(chan struct{})
	iterations := 0
	target := s.Spawn("gc-target", func(h *sched.Handle) {
		close(spinning)
		for {
			select {
			case <-stop:
				h.Drop()
			default:
			}
			iterations++
			h.Safepoint()
		}
	}, nil)
	target.Wakeup()
	<-spinning
	time.Sleep(10 * time.Millisecond)

	snapshot := thread.Suspend(target)
	klog.Info(klog.CategoryScheduler).Str("status", target.Status().String()).
		Bool("was_running", snapshot.Dead() == false).Log("gc safe-point snapshot taken")
	thread.Resume(snapshot)

	close(stop)
	klog.Info(klog.CategoryScheduler).Int("iterations", iterations).Log("gc target resumed and asked to exit")

	close(done)
}
