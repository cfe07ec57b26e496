// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kcore

import (
	"sync/atomic"
)

// Level is the run level (IRQL) of a core. Code running at a level is never
// preempted by work at the same or a lower level.
//
// Transitions:
//
//	RaiseLevel(target)  target > current, interrupts masked at Clock+
//	LowerLevel(target)  target < current, one step at a time:
//	  Interrupt → Clock   drain nothing
//	  Clock → Dpc         expire clock events (queues their Dpc)
//	  Dpc → Apc           drain the core's DPC queue
//	  Apc → Normal        drain the current thread's APC queue
//	  at Normal           yield if a reschedule is pending
type Level uint32

const (
	// Normal is thread context. Only code at Normal may block or switch.
	LevelNormal Level = iota
	// Apc runs asynchronous procedure calls in the context of a thread.
	LevelApc
	// Dpc runs deferred procedure calls, and is the level the scheduler
	// and waitable locks are held at.
	LevelDpc
	// Clock services the clock event queue.
	LevelClock
	// Interrupt is the level interrupt handlers run at.
	LevelInterrupt
)

const numLevels = int(LevelInterrupt) + 1

// String returns a human-readable representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "Normal"
	case LevelApc:
		return "Apc"
	case LevelDpc:
		return "Dpc"
	case LevelClock:
		return "Clock"
	case LevelInterrupt:
		return "Interrupt"
	default:
		return "Unknown"
	}
}

func (l Level) valid() bool { return l <= LevelInterrupt }

// levelCell holds the level of one core, padded to its own cache line.
// Only the owning core stores to it, other cores may load it.
type levelCell struct { // betteralign:ignore
	_ [sizeOfCacheLine]byte                      //nolint:unused
	v atomic.Uint32                              // Level value
	_ [sizeOfCacheLine - sizeOfAtomicUint32]byte //nolint:unused
}

const (
	sizeOfCacheLine    = 64
	sizeOfAtomicUint32 = 4
)

func (x *levelCell) load() Level { return Level(x.v.Load()) }

func (x *levelCell) store(l Level) { x.v.Store(uint32(l)) }

// CurrentLevel returns the run level of the core.
func (c *Core) CurrentLevel() Level {
	return c.level.load()
}

// RaiseLevel raises the core to target, returning the previous level.
// Raising to the current level or below is a contract violation.
func (c *Core) RaiseLevel(target Level) Level {
	prev := c.level.load()
	if target <= prev || !target.valid() {
		c.violation(InvariantRaise, "raise from %s to %s", prev, target)
	}
	if target >= LevelClock && prev < LevelClock {
		c.cpu.DisableInterrupts()
	}
	c.level.store(target)
	return prev
}

// LowerLevel lowers the core to target, running the drain action of every
// level passed through. Lowering to the current level or above is a
// contract violation.
//
// Lowering to Normal may switch threads, if a reschedule is pending. The
// calling thread may then resume on another core, so the receiver must not
// be used after LowerLevel(LevelNormal) returns, the current core is
// [Thread.Core] of the calling thread.
func (c *Core) LowerLevel(target Level) {
	c.lower(target)
	if target == LevelNormal {
		c.maybeReschedule()
	}
}

// lower is LowerLevel without the final reschedule check, so it never
// switches threads.
func (c *Core) lower(target Level) {
	cur := c.level.load()
	if target >= cur {
		c.violation(InvariantLower, "lower from %s to %s", cur, target)
	}
	for cur > target {
		c.drain(cur)
		cur--
		c.level.store(cur)
		if cur < LevelClock {
			if cur == LevelClock-1 {
				c.cpu.EnableInterrupts()
			}
			c.pollInterrupts()
		}
	}
}

// drain runs the exit action of level l, while the core is still at l.
func (c *Core) drain(l Level) {
	if h := c.hooks; h != nil && h.onDrain != nil {
		h.onDrain(c, l)
	}
	if m := c.metrics; m != nil {
		m.Drains[l].Add(1)
	}
	switch l {
	case LevelClock:
		c.expireClockEvents()
	case LevelDpc:
		c.drainDpcs()
	case LevelApc:
		c.drainApcs()
	}
}

// raiseTo raises the core to at least target, returning the previous level,
// to be passed to restore.
func (c *Core) raiseTo(target Level) Level {
	prev := c.level.load()
	if prev < target {
		c.RaiseLevel(target)
	}
	return prev
}

// restore undoes raiseTo. It may switch threads when prev is Normal.
func (c *Core) restore(prev Level) {
	if prev < c.level.load() {
		c.LowerLevel(prev)
	}
}

// maybeReschedule yields if a reschedule is pending and the core is at
// Normal.
func (c *Core) maybeReschedule() {
	if c.level.load() == LevelNormal && c.reschedule.Load() && c.sched.current != nil {
		c.Yield()
	}
}
