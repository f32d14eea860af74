// Package tsc abstracts the TSC / local-APIC-deadline timer source as a
// monotonic tick source usable by a hosted process. rdtsc and the
// TSC-deadline MSR have no equivalent outside ring 0, so this is backed
// by the host's monotonic clock via golang.org/x/sys/unix, mirroring the
// direct unix-syscall usage other repos in this dependency graph use for
// their own low-level host timing and polling.
package tsc

import (
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// Source is the tick abstraction consumed by the timer wheel and the
// scheduler's preemption-deadline programming.
type Source interface {
	// Now returns the current time in microseconds since an unspecified
	// but fixed epoch, monotonically non-decreasing.
	Now() int64
}

// Monotonic is the hosted Source, backed by CLOCK_MONOTONIC.
type Monotonic struct{}

// NewMonotonic returns the default tick source.
func NewMonotonic() Monotonic { return Monotonic{} }

func (Monotonic) Now() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		// Fall back to the runtime clock; this path is only reachable
		// on a platform without CLOCK_MONOTONIC, which does not apply
		// to the hosted x86-64 SMP target this core runs on.
		return time.Now().UnixMicro()
	}
	return ts.Sec*1_000_000 + ts.Nsec/1_000
}

// NumCPU probes the host topology, standing in for the boot-time CPU
// enumeration this core treats as an external collaborator. It is
// intentionally the one place outside kconfig that reads host topology.
func NumCPU() int {
	return runtime.NumCPU()
}

// Fake is a manually-advanced Source for deterministic tests of the timer
// wheel and scheduler without wall-clock sleeps.
type Fake struct {
	now atomic.Int64
}

// NewFake returns a Source pinned at the given starting time.
func NewFake(start int64) *Fake {
	f := &Fake{}
	f.now.Store(start)
	return f
}

func (f *Fake) Now() int64 { return f.now.Load() }

// Advance moves the fake clock forward by delta microseconds and returns
// the new time.
func (f *Fake) Advance(delta int64) int64 { return f.now.Add(delta) }
