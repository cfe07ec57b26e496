package kcore

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrRuntimeClosed is returned when operating on a closed [Runtime].
	ErrRuntimeClosed = errors.New("kcore: runtime closed")

	// ErrNoPlatform is returned by [New] when no platform could be created.
	ErrNoPlatform = errors.New("kcore: no platform")

	// ErrCoreRange is returned for a core index outside [0, NumCores).
	ErrCoreRange = errors.New("kcore: core index out of range")

	// ErrBootAdopted is returned when a core's boot context was already adopted.
	ErrBootAdopted = errors.New("kcore: boot context already adopted")

	// ErrUnknownHandle is returned by the driver table for a closed or
	// never issued handle.
	ErrUnknownHandle = errors.New("kcore: unknown handle")

	// ErrInvalidCounts is returned by the driver table for counts a
	// waitable cannot hold.
	ErrInvalidCounts = errors.New("kcore: invalid waitable counts")

	// ErrWaitersPresent is returned by the driver table when resetting a
	// waitable with blocked waiters.
	ErrWaitersPresent = errors.New("kcore: waitable has waiters")

	// ErrNotIdleThread is returned by [Core.IdleOnce] when called by a thread
	// other than the core's idle thread.
	ErrNotIdleThread = errors.New("kcore: not the idle thread")
)

// Invariant names a kernel contract. A violated invariant is always fatal,
// see [ContractViolation].
type Invariant string

const (
	InvariantRaise        Invariant = "raise-level"
	InvariantLower        Invariant = "lower-level"
	InvariantLevelBound   Invariant = "level-bound"
	InvariantDoubleQueue  Invariant = "double-queue"
	InvariantDoubleLink   Invariant = "double-enqueue"
	InvariantIdleBlock    Invariant = "idle-block"
	InvariantRunnableIdle Invariant = "runnable-idle"
	InvariantNoIdle       Invariant = "no-idle-thread"
	InvariantSwitchLevel  Invariant = "switch-level"
	InvariantWaitable     Invariant = "waitable"
	InvariantWaitContext  Invariant = "wait-context"
	InvariantThreadState  Invariant = "thread-state"
)

// ContractViolation is the value a core panics with after a contract
// violation was detected. The runtime enters panic mode before panicking.
type ContractViolation struct {
	// Err is an optional underlying cause.
	Err error

	Invariant Invariant
	Message   string

	// Core is the index of the detecting core, or -1 if it was detected
	// outside any core (e.g. by [Waitable.Reset]).
	Core int
}

// Error implements the error interface.
func (e *ContractViolation) Error() string {
	if e.Core < 0 {
		return fmt.Sprintf("kcore: contract violation (%s): %s", e.Invariant, e.Message)
	}
	return fmt.Sprintf("kcore: contract violation on core %d (%s): %s", e.Core, e.Invariant, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ContractViolation) Unwrap() error {
	return e.Err
}

// PanicInfo is passed to the panic handler, see [WithPanicHandler].
type PanicInfo struct {
	Violation *ContractViolation
}

// violation reports a fatal contract violation detected by c. It never
// returns.
func (c *Core) violation(inv Invariant, format string, args ...any) {
	v := &ContractViolation{
		Core:      c.id,
		Invariant: inv,
		Message:   fmt.Sprintf(format, args...),
	}
	c.rt.enterPanicMode(v)
	panic(v)
}

// enterPanicMode logs the violation and invokes the panic handler, only for
// the first violation observed by the runtime.
func (rt *Runtime) enterPanicMode(v *ContractViolation) {
	if !rt.panicking.CompareAndSwap(false, true) {
		return
	}
	rt.logCritical(v.Message, v)
	if h := rt.opts.panicHandler; h != nil {
		h(PanicInfo{Violation: v})
	}
}

// Panicking reports whether a contract violation has been observed.
func (rt *Runtime) Panicking() bool {
	return rt.panicking.Load()
}

// panicContract reports a contract violation detected outside any core.
func panicContract(inv Invariant, format string, args ...any) {
	panic(&ContractViolation{
		Core:      -1,
		Invariant: inv,
		Message:   fmt.Sprintf(format, args...),
	})
}
