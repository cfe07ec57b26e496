package kcore

import (
	"container/heap"
	"time"
)

// ClockEvent queues its Dpc on the core it was queued to, once the platform
// clock reaches Expiry.
type ClockEvent struct {
	Dpc    *Dpc
	core   *Core // set while queued
	Expiry time.Duration
	index  int
}

// NewClockEvent allocates a ClockEvent.
func NewClockEvent(expiry time.Duration, d *Dpc) *ClockEvent {
	return &ClockEvent{Expiry: expiry, Dpc: d}
}

// Queued reports whether e is queued on a core. Only meaningful on the core
// it was queued to.
func (e *ClockEvent) Queued() bool { return e.core != nil }

// clockQueue is a min-heap of events, by expiry.
type clockQueue []*ClockEvent

func (h clockQueue) Len() int           { return len(h) }
func (h clockQueue) Less(i, j int) bool { return h[i].Expiry < h[j].Expiry }
func (h clockQueue) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *clockQueue) Push(x any) {
	e := x.(*ClockEvent)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *clockQueue) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	e.index = -1
	return e
}

// QueueClockEvent queues e on the core. Legal at levels up to Clock.
func (c *Core) QueueClockEvent(e *ClockEvent) {
	if c.level.load() > LevelClock {
		c.violation(InvariantLevelBound, "clock event queued at %s", c.level.load())
	}
	if e.Dpc == nil {
		c.violation(InvariantDoubleQueue, "clock event without dpc")
	}
	if e.core != nil {
		c.violation(InvariantDoubleQueue, "clock event already queued")
	}
	prev := c.raiseTo(LevelClock)
	e.core = c
	heap.Push(&c.clock, e)
	c.restore(prev)
}

// DequeueClockEvent cancels e, returning false if it had already expired,
// was never queued, or was queued on another core.
func (c *Core) DequeueClockEvent(e *ClockEvent) bool {
	if c.level.load() > LevelClock {
		c.violation(InvariantLevelBound, "clock event dequeued at %s", c.level.load())
	}
	if e.core != c {
		return false
	}
	prev := c.raiseTo(LevelClock)
	ok := c.dequeueClockEvent(e)
	c.restore(prev)
	return ok
}

// dequeueClockEvent requires level Clock, or no interrupts on the core.
func (c *Core) dequeueClockEvent(e *ClockEvent) bool {
	if e.core != c {
		return false
	}
	heap.Remove(&c.clock, e.index)
	e.core = nil
	return true
}

// NextClockEvent returns the earliest expiry queued on the core.
func (c *Core) NextClockEvent() (time.Duration, bool) {
	if len(c.clock) == 0 {
		return 0, false
	}
	return c.clock[0].Expiry, true
}

// expireClockEvents runs at level Clock, queueing the Dpc of every expired
// event.
func (c *Core) expireClockEvents() {
	if len(c.clock) == 0 {
		return
	}
	now := c.now()
	for len(c.clock) != 0 && c.clock[0].Expiry <= now {
		e := heap.Pop(&c.clock).(*ClockEvent)
		e.core = nil
		if m := c.metrics; m != nil {
			m.ClockExpired.Add(1)
		}
		c.QueueDpc(e.Dpc)
	}
}
