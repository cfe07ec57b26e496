package kcore

import (
	"context"
	"errors"

	"github.com/joeycumines/go-kcore/arch"
)

// Idle runs the idle loop of the core until ctx is done, or the platform
// fails to halt. It must be called by the core's idle thread, at Normal.
func (c *Core) Idle(ctx context.Context) error {
	for {
		if err := c.IdleOnce(ctx); err != nil {
			return err
		}
	}
}

// IdleOnce runs every ready thread until none is left, then halts until an
// interrupt is asserted or the next clock event is due, and services what
// woke the core.
func (c *Core) IdleOnce(ctx context.Context) error {
	s := &c.sched
	if s.current == nil || s.current != s.idle {
		return ErrNotIdleThread
	}
	if l := c.level.load(); l != LevelNormal {
		c.violation(InvariantSwitchLevel, "idle at %s", l)
	}

	c.Yield()
	if err := ctx.Err(); err != nil {
		return err
	}

	// published before the last check for work, see Cluster.kick
	c.halted.Store(true)
	if s.hasWork() || c.reschedule.Load() {
		c.halted.Store(false)
		return nil
	}

	haltCtx := ctx
	deadline, timed := c.NextClockEvent()
	if timed {
		d := deadline - c.now()
		if d <= 0 {
			c.halted.Store(false)
			c.dispatch(arch.VectorClock)
			c.maybeReschedule()
			return nil
		}
		var cancel context.CancelFunc
		haltCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var buf [8]arch.Vector
	vectors, err := c.cpu.Halt(haltCtx, buf[:0])
	c.halted.Store(false)
	if m := c.metrics; m != nil {
		m.Halts.Add(1)
	}
	if len(vectors) == 0 && err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !timed || !errors.Is(err, context.DeadlineExceeded) {
			c.rt.logWarning(warnHaltFailure, c.id, `halt failed`)
			return err
		}
		// one-shot timer for the next clock event
		vectors = append(vectors, arch.VectorClock)
	}
	for _, v := range vectors {
		c.dispatch(v)
	}
	c.maybeReschedule()
	return nil
}
