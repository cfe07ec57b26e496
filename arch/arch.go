// Package arch defines the narrow architecture interface consumed by kcore.
//
// Everything the scheduling core needs from the machine is expressed here:
// saving and resuming execution frames, masking interrupts on a logical
// core, halting until an interrupt is asserted, and asserting an interrupt
// on another core (IPI). Real hardware ports implement these with trap
// entry/exit assembly; [github.com/joeycumines/go-kcore/arch/host] provides a
// goroutine backed implementation used for tests and simulation.
package arch

import (
	"context"
	"time"
)

// Vector identifies an interrupt source.
type Vector uint8

// Well known vectors. Drivers use any other value.
const (
	// VectorClock is the periodic (or one-shot) timer interrupt.
	VectorClock Vector = 0x20
	// VectorIpi is the inter-processor interrupt used for remote execution.
	VectorIpi Vector = 0xF0
)

// Frame is an opaque saved execution context.
//
// A Frame is created either by [Switcher.NewFrame] (a fresh context that
// starts at an entry point) or by [Switcher.CurrentFrame] (the calling
// context, used to adopt the boot context as a thread).
type Frame interface {
	// ID is unique per frame, for diagnostics.
	ID() uint64
}

// Switcher saves and resumes frames. It is shared by all cores: any core may
// resume any frame that was saved.
type Switcher interface {
	// NewFrame initializes a fresh frame that begins executing entry the
	// first time it is switched to. Entry must not return normally unless
	// the frame is being discarded.
	NewFrame(entry func()) Frame

	// CurrentFrame captures the calling context as a frame.
	CurrentFrame() Frame

	// Switch saves the calling context into from, then resumes to. It
	// returns once from is itself resumed. A nil from discards the calling
	// context, in which case Switch never returns.
	Switch(from, to Frame)
}

// CPU is the interrupt controller view of a single logical core.
//
// All methods other than Assert must only be called by code currently
// executing on the core.
type CPU interface {
	// Index is the logical core index, in the range [0, NumCPUs).
	Index() int

	// InterruptsEnabled reports whether interrupts may be delivered.
	InterruptsEnabled() bool

	// DisableInterrupts masks interrupts, returning the previous state.
	DisableInterrupts() (wasEnabled bool)

	// EnableInterrupts unmasks interrupts. It does not deliver anything,
	// pending vectors are collected with TakePending.
	EnableInterrupts()

	// TakePending appends every asserted vector to buf, without blocking,
	// clearing them.
	TakePending(buf []Vector) []Vector

	// Halt blocks until at least one vector is asserted or ctx is done,
	// appending the asserted vectors to buf.
	Halt(ctx context.Context, buf []Vector) ([]Vector, error)

	// Assert raises a vector on this core. Safe to call from any core.
	Assert(v Vector)
}

// ExtendedState is optional per thread register state (e.g. FPU/vector
// registers) saved when switching away and restored when switching back.
type ExtendedState interface {
	Save()
	Restore()
}

// Platform is the complete machine interface.
type Platform interface {
	Switcher

	// NumCPUs is the number of detected logical cores.
	NumCPUs() int

	// CPU returns the interrupt controller for a logical core.
	CPU(index int) CPU

	// Now is a monotonic clock, used to expire clock events.
	Now() time.Duration
}
