package kcore

import (
	"sync/atomic"
)

// Apc is an asynchronous procedure call: a callback run at level Apc in the
// context of a specific thread.
type Apc struct {
	Fn  DeferredFunc
	Arg any

	queued atomic.Bool
}

// NewApc allocates an Apc.
func NewApc(fn DeferredFunc, arg any) *Apc {
	return &Apc{Fn: fn, Arg: arg}
}

// Queued reports whether a is queued and has not yet started.
func (a *Apc) Queued() bool { return a.queued.Load() }

// QueueApc queues a to run in the context of t, returning true if it was run
// inline.
//
// If t is the current thread and the core is below Apc, a runs immediately.
// Otherwise it is appended to the APC queue of t, drained the next time t
// lowers through Apc. A thread running on another core is interrupted so the
// queue is drained promptly. APCs queued to a dead thread are dropped.
func (c *Core) QueueApc(a *Apc, t *Thread) (inline bool) {
	if a == nil || a.Fn == nil {
		c.violation(InvariantDoubleQueue, "nil apc")
	}
	if t.State() == ThreadDead {
		c.rt.logWarning(warnDroppedApc, c.id, `apc queued to dead thread`)
		return false
	}
	if !a.queued.CompareAndSwap(false, true) {
		c.violation(InvariantDoubleQueue, "apc already queued")
	}

	if t == c.sched.current && c.level.load() < LevelApc {
		prev := c.RaiseLevel(LevelApc)
		c.runApc(a)
		c.LowerLevel(prev)
		return true
	}

	t.apcs.push(a)
	if home := t.Core(); home != nil && home != c && t.State() == ThreadRunning {
		c.rt.ipi.kick(c, home)
	}
	return false
}

func (c *Core) runApc(a *Apc) {
	a.queued.Store(false)
	if m := c.metrics; m != nil {
		m.ApcRun.Add(1)
	}
	a.Fn(c, a.Arg)
}

// drainApcs runs the APCs queued to the current thread.
func (c *Core) drainApcs() {
	t := c.sched.current
	if t == nil {
		return
	}
	var batch chunkedList[*Apc]
	for {
		t.apcs.swap(&batch)
		if batch.length == 0 {
			batch.release()
			return
		}
		for {
			a, ok := batch.pop()
			if !ok {
				break
			}
			c.runApc(a)
			c.pollInterrupts()
		}
		batch.release()
	}
}

// dropApcs discards the APC queue of an exiting thread.
func (c *Core) dropApcs(t *Thread) {
	var batch chunkedList[*Apc]
	t.apcs.swap(&batch)
	dropped := 0
	for {
		a, ok := batch.pop()
		if !ok {
			break
		}
		a.queued.Store(false)
		dropped++
	}
	batch.release()
	if dropped != 0 {
		c.rt.logWarning(warnDroppedApc, c.id, `apcs dropped on thread exit`)
	}
}
