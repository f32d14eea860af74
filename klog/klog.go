// Package klog is the structured logging facade used by every scheduling
// component. It wraps github.com/joeycumines/logiface, defaulting to a
// zerolog backend (github.com/joeycumines/izerolog), and follows the same
// package-level "lazily resolved, mutex-guarded global logger" shape used
// elsewhere in this dependency graph for cross-cutting infrastructure
// concerns.
package klog

import (
	"os"
	"sync"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Category identifies which scheduling subsystem emitted an event, so
// sinks can filter or route without parsing message text.
type Category string

const (
	CategoryScheduler Category = "sched"
	CategoryTimer     Category = "timer"
	CategoryWaitable  Category = "waitable"
	CategoryPark      Category = "park"
)

var (
	mu     sync.RWMutex
	logger = newDefault()
)

func newDefault() *logiface.Logger[logiface.Event] {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000000"}).With().Timestamp().Logger()
	typed := izerolog.L.New(
		izerolog.L.WithZerolog(zl),
		izerolog.L.WithLevel(izerolog.L.LevelInformational()),
	)
	return typed.Logger()
}

// SetLogger installs the package-wide logger, replacing the default
// zerolog-backed one. Intended for swapping in a different logiface
// backend (e.g. a test-capturing one) or changing verbosity.
func SetLogger(l *logiface.Logger[logiface.Event]) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func current() *logiface.Logger[logiface.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Event starts a builder at the given level, tagged with the category.
// Callers chain field setters and terminate with Log/Logf.
func Event(level logiface.Level, cat Category) *logiface.Builder[logiface.Event] {
	return current().Build(level).Str("category", string(cat))
}

func Debug(cat Category) *logiface.Builder[logiface.Event] { return Event(logiface.LevelDebug, cat) }
func Info(cat Category) *logiface.Builder[logiface.Event]  { return Event(logiface.LevelInformational, cat) }
func Warn(cat Category) *logiface.Builder[logiface.Event]  { return Event(logiface.LevelWarning, cat) }
func Err(cat Category) *logiface.Builder[logiface.Event]   { return Event(logiface.LevelError, cat) }
