package kcore

import (
	"github.com/joeycumines/go-kcore/arch"
)

// InterruptHandler services a vector, at level Interrupt.
type InterruptHandler func(c *Core, v arch.Vector)

// SetInterruptHandler registers h for v on every core, returning the
// previous handler. A nil h unregisters. The built in handling of
// [arch.VectorClock] and [arch.VectorIpi] always runs first.
func (rt *Runtime) SetInterruptHandler(v arch.Vector, h InterruptHandler) InterruptHandler {
	rt.handlersMu.Lock()
	defer rt.handlersMu.Unlock()
	prev := rt.handlers[v]
	if h == nil {
		delete(rt.handlers, v)
	} else {
		rt.handlers[v] = h
	}
	return prev
}

func (rt *Runtime) interruptHandler(v arch.Vector) InterruptHandler {
	rt.handlersMu.RLock()
	defer rt.handlersMu.RUnlock()
	return rt.handlers[v]
}

// DispatchInterrupt is the entry point for an interrupt taken on the core:
// it raises to Interrupt, services v, and lowers back. Returning to Normal
// may switch threads.
func (c *Core) DispatchInterrupt(v arch.Vector) {
	prev := c.RaiseLevel(LevelInterrupt)
	c.service(v)
	c.LowerLevel(prev)
}

// dispatch is DispatchInterrupt without the final reschedule check.
func (c *Core) dispatch(v arch.Vector) {
	prev := c.RaiseLevel(LevelInterrupt)
	c.service(v)
	c.lower(prev)
}

func (c *Core) service(v arch.Vector) {
	if m := c.metrics; m != nil {
		m.Interrupts.Add(1)
	}
	handled := false
	switch v {
	case arch.VectorClock:
		c.sched.tick()
		handled = true
	case arch.VectorIpi:
		c.receiveIpi()
		handled = true
	}
	if h := c.rt.interruptHandler(v); h != nil {
		h(c, v)
		handled = true
	}
	if !handled {
		c.rt.logWarning(warnUnhandledIrq, c.id, `unhandled interrupt vector`)
	}
}

// pollInterrupts delivers the interrupts asserted on the core, if the core
// is below Clock with interrupts enabled.
func (c *Core) pollInterrupts() {
	if c.level.load() >= LevelClock || !c.cpu.InterruptsEnabled() {
		return
	}
	var buf [8]arch.Vector
	for _, v := range c.cpu.TakePending(buf[:0]) {
		c.dispatch(v)
	}
}
