package kcore

import (
	"sync/atomic"
	"time"
)

// DeferredFunc is the callback of a [Dpc] or [Apc]. It receives the core it
// runs on.
type DeferredFunc func(c *Core, arg any)

// Dpc is a deferred procedure call: a callback run at level Dpc on the core
// it was queued to. The record is owned by the caller, and may be queued
// again once its callback has started.
type Dpc struct {
	Fn  DeferredFunc
	Arg any

	queuedAt time.Duration
	queued   atomic.Bool
}

// NewDpc allocates a Dpc.
func NewDpc(fn DeferredFunc, arg any) *Dpc {
	return &Dpc{Fn: fn, Arg: arg}
}

// Queued reports whether d is queued and has not yet started.
func (d *Dpc) Queued() bool { return d.queued.Load() }

// link marks d as queued, on the core c, reporting a violation if it
// already was.
func (c *Core) linkDpc(d *Dpc) {
	if d == nil || d.Fn == nil {
		c.violation(InvariantDoubleQueue, "nil dpc")
	}
	if !d.queued.CompareAndSwap(false, true) {
		c.violation(InvariantDoubleQueue, "dpc already queued")
	}
	if c.metrics != nil {
		d.queuedAt = c.now()
	}
}

// QueueDpc queues d to run on this core, returning true if it was run
// inline.
//
// At level Dpc or above d is appended to the core's queue, and runs when the
// core next lowers below Dpc. Below Dpc, the core raises to Dpc, runs d, and
// lowers back, before QueueDpc returns. QueueDpc is legal at any level.
func (c *Core) QueueDpc(d *Dpc) (inline bool) {
	c.linkDpc(d)
	if c.level.load() >= LevelDpc {
		c.dpcs.push(d)
		if m := c.metrics; m != nil {
			m.DpcQueued.Add(1)
		}
		return false
	}
	if m := c.metrics; m != nil {
		m.DpcInline.Add(1)
	}
	prev := c.RaiseLevel(LevelDpc)
	c.runDpc(d)
	c.LowerLevel(prev)
	return true
}

func (c *Core) runDpc(d *Dpc) {
	d.queued.Store(false)
	if m := c.metrics; m != nil {
		m.DpcRun.Add(1)
		m.DpcLatency.Record(c.now() - d.queuedAt)
	}
	d.Fn(c, d.Arg)
}

// drainDpcs runs queued DPCs until the queue is observed empty. Interrupts
// are masked only while the contents are swapped out.
func (c *Core) drainDpcs() {
	var batch chunkedList[*Dpc]
	for {
		wasEnabled := c.cpu.DisableInterrupts()
		c.dpcs.swap(&batch)
		if wasEnabled {
			c.cpu.EnableInterrupts()
		}
		if batch.length == 0 {
			batch.release()
			return
		}
		for {
			d, ok := batch.pop()
			if !ok {
				break
			}
			c.runDpc(d)
			c.pollInterrupts()
		}
		batch.release()
	}
}
