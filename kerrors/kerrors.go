// Package kerrors implements the core's non-fatal error taxonomy plus the
// fatal-halt path. It follows the same custom-error/Unwrap idiom used for
// panic and aggregate errors elsewhere in this codebase's lineage: plain
// stdlib errors, wrapped with fmt.Errorf("%w", ...) and satisfying
// errors.Is/errors.As, rather than a third-party errors package - nothing
// in this corpus reaches for one, so stdlib is the grounded choice here.
package kerrors

import (
	"errors"
	"fmt"

	"github.com/toysched/corekernel/klog"
)

// Sentinel errors for the non-fatal taxonomy. Always wrap these with
// fmt.Errorf("%w: ...", ErrX) to add call-site context while preserving
// errors.Is matchability.
var (
	// ErrNotFound covers "no free thread", "timer not in any queue", and
	// similar lookups that fail without indicating a broken invariant.
	ErrNotFound = errors.New("kerrors: not found")

	// ErrOutOfMemory surfaces an allocation failure up to the caller.
	ErrOutOfMemory = errors.New("kerrors: out of memory")

	// ErrBadFormat indicates malformed input from an upstream loader.
	// The core itself never produces this.
	ErrBadFormat = errors.New("kerrors: bad format")

	// ErrInvalidOpcode mirrors a trap reported by an upstream loader.
	// The core itself never produces this.
	ErrInvalidOpcode = errors.New("kerrors: invalid opcode")

	// ErrClosed names the closed-channel condition. The waitable package
	// does not return it: its operations report a closed waitable
	// through their boolean results.
	ErrClosed = errors.New("kerrors: waitable closed")
)

// FatalError is raised by Fatal. It is never meant to be recovered by
// ordinary callers - only by a top-level driver loop that needs to tear
// down cleanly (the hosted stand-in for halting the CPU after logging a
// trace).
type FatalError struct {
	Msg   string
	Cause error
}

func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Msg, e.Cause)
	}
	return fmt.Sprintf("fatal: %s", e.Msg)
}

func (e *FatalError) Unwrap() error { return e.Cause }

// Fatal logs the condition at error level and panics with a *FatalError.
// Reserved for genuine invariant violations: CAS from an unexpected
// status, re-entrant scheduler entry, an impossible timer status
// combination, or a stack overflow into the guard region. Never call this
// for ordinary error-taxonomy failures.
func Fatal(cat klog.Category, msg string, cause error) {
	klog.Err(cat).Err(cause).Log(msg)
	panic(&FatalError{Msg: msg, Cause: cause})
}
