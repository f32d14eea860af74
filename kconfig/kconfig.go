// Package kconfig holds the tunable knobs of the scheduler, timer wheel,
// and parking primitives, with a TOML-loadable override so a hosted
// process can adjust them without a rebuild.
package kconfig

import (
	"time"

	"github.com/BurntSushi/toml"
)

// Config collects every tunable the scheduler, timer wheel, and parking
// primitives read at start-up. Field names mirror the component that
// reads them.
type Config struct {
	// NumCPUs is the number of simulated CPUs to bring up. Zero means
	// "use the host's runtime.NumCPU()".
	NumCPUs int `toml:"num_cpus"`

	// RunQueueSize is the per-CPU local ring capacity.
	RunQueueSize int `toml:"run_queue_size"`

	// GlobalFairnessPeriod is how many scheduler ticks elapse between
	// forced pulls from the global run queue.
	GlobalFairnessPeriod int `toml:"global_fairness_period"`

	// StealPasses bounds how many permuted passes over the other CPUs a
	// work-stealing attempt makes before giving up.
	StealPasses int `toml:"steal_passes"`

	// SpinLimit bounds the word-lock fast-spin loop before parking.
	SpinLimit int `toml:"spin_limit"`

	// PreemptionQuantum is the nominal time slice before a running
	// thread takes a preemption tick.
	PreemptionQuantum time.Duration `toml:"preemption_quantum"`

	// IdleWakeInterval bounds how long an idle CPU sleeps before
	// re-checking for work.
	IdleWakeInterval time.Duration `toml:"idle_wake_interval"`

	// TimerCompactionDivisor gates clear_deleted_timers: compaction runs
	// when deleted_timers <= num_timers/TimerCompactionDivisor (see
	// DESIGN.md for the resolved direction of this inequality).
	TimerCompactionDivisor int `toml:"timer_compaction_divisor"`

	// WakeDebounce bounds how often wake_cpu will actually fire an IPI
	// to the same target CPU, coalescing bursts, backed by go-catrate.
	WakeDebounce time.Duration `toml:"wake_debounce"`
}

// Default returns the baseline tuning used unless a TOML file overrides it.
func Default() Config {
	return Config{
		NumCPUs:                 0,
		RunQueueSize:            256,
		GlobalFairnessPeriod:    61,
		StealPasses:             4,
		SpinLimit:               40,
		PreemptionQuantum:       10 * time.Millisecond,
		IdleWakeInterval:        time.Millisecond,
		TimerCompactionDivisor:  4,
		WakeDebounce:            250 * time.Microsecond,
	}
}

// LoadTOML reads overrides from path on top of Default(), returning the
// merged configuration. Missing fields in the file keep their default
// value.
func LoadTOML(path string) (Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}
