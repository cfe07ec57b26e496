package kcore

import (
	"github.com/joeycumines/go-kcore/arch"
)

// Scheduler is the per core priority scheduler. Its queues are only touched
// by the owning core, at level Dpc.
type Scheduler struct {
	core    *Core
	local   *WorkQueue
	current *Thread
	idle    *Thread
	ticks   int
}

// switchMode describes what happens to the current thread when switching.
type switchMode uint8

const (
	// switchYield re-queues the current thread, unless it is the idle thread.
	switchYield switchMode = iota
	// switchBlock leaves the current thread blocked on wait entries.
	switchBlock
	// switchExit discards the current thread's frame.
	switchExit
)

func (s *Scheduler) init(c *Core) {
	s.core = c
	s.local = NewWorkQueue(c.rt.opts.maxPriority)
}

// Current returns the thread running on the core.
func (s *Scheduler) Current() *Thread { return s.current }

// Idle returns the idle thread of the core.
func (s *Scheduler) Idle() *Thread { return s.idle }

// Len returns the number of threads in the local run queue.
func (s *Scheduler) Len() int { return s.local.Len() }

// SetIdleThread sets the thread run when nothing else is runnable. The idle
// thread is never queued, and never blocks.
func (s *Scheduler) SetIdleThread(t *Thread) {
	if t.LinkState() != Unlinked {
		s.core.violation(InvariantDoubleLink, "idle thread %s is linked (%s)", t, t.LinkState())
	}
	s.idle = t
	if t.Core() == nil {
		t.core.Store(s.core)
	}
}

// Enqueue makes t runnable on this core at the given priority, clamped to
// the configured maximum. A reschedule is requested if t outranks the
// current thread. Enqueueing a linked, running, or dead thread is a
// contract violation. Legal at levels up to Dpc.
//
// When the local queue is over its limit and the core belongs to a cluster,
// t is spilled to the cluster's shared queue instead.
func (s *Scheduler) Enqueue(t *Thread, priority int) {
	c := s.core
	if l := c.level.load(); l > LevelDpc {
		c.violation(InvariantLevelBound, "enqueue at %s", l)
	}
	prev := c.raiseTo(LevelDpc)
	switch {
	case t == s.idle:
		c.violation(InvariantDoubleLink, "enqueue of idle thread %s", t)
	case t.LinkState() != Unlinked:
		c.violation(InvariantDoubleLink, "thread %s already linked (%s)", t, t.LinkState())
	case t.State() == ThreadRunning || t.State() == ThreadDead:
		c.violation(InvariantThreadState, "enqueue of %s thread %s", t.State(), t)
	}
	t.priority.Store(int32(s.local.clamp(priority)))
	t.setState(ThreadReady)
	s.enqueue(t, true)
	c.restore(prev)
}

// enqueue links a ready thread, at level Dpc.
func (s *Scheduler) enqueue(t *Thread, spill bool) {
	c := s.core
	if spill && s.local.Len() >= c.rt.opts.localQueueLimit && c.cluster.balances() {
		c.cluster.push(t)
		c.cluster.kick(c)
		return
	}
	if t.Core() == nil {
		t.core.Store(c)
	}
	s.local.Push(t)
	t.setLink(LinkedRunQueue, c.id)
	if s.outranks(t) {
		c.reschedule.Store(true)
	}
}

func (s *Scheduler) outranks(t *Thread) bool {
	cur := s.current
	return cur == nil || cur == s.idle || cur.State() != ThreadRunning || t.Priority() > cur.Priority()
}

// PopNext removes and returns the next thread to run: the highest priority
// local thread, else a thread from the cluster's shared queue, else the
// idle thread. It returns false only if there is no idle thread.
func (s *Scheduler) PopNext() (*Thread, bool) {
	c := s.core
	prev := c.raiseTo(LevelDpc)
	t, ok := s.popNext()
	if prev < LevelDpc {
		c.lower(prev)
	}
	return t, ok
}

func (s *Scheduler) popNext() (*Thread, bool) {
	if t := s.local.Pop(); t != nil {
		t.setLink(Unlinked, -1)
		return t, true
	}
	if t := s.core.cluster.pop(); t != nil {
		return t, true
	}
	if s.idle != nil {
		return s.idle, true
	}
	return nil, false
}

// hasWork reports whether anything but the idle thread is runnable.
func (s *Scheduler) hasWork() bool {
	return s.local.Len() != 0 || s.core.cluster.sharedLen() != 0
}

// Dequeue removes a ready thread from this core's run queue, or from the
// cluster's shared queue, returning false if it was not linked into either.
// A thread queued on another core is not touched, see [RequestDequeue].
func (s *Scheduler) Dequeue(t *Thread) bool {
	c := s.core
	prev := c.raiseTo(LevelDpc)
	ok := s.dequeue(t)
	c.restore(prev)
	return ok
}

func (s *Scheduler) dequeue(t *Thread) bool {
	c := s.core
	switch t.LinkState() {
	case LinkedRunQueue:
		if int(t.linkCore.Load()) != c.id {
			c.rt.logWarning(warnRemoteDequeue, c.id, `dequeue of thread queued on another core`)
			return false
		}
		s.local.Remove(t)
		t.setLink(Unlinked, -1)
	case LinkedSharedQueue:
		if !c.cluster.remove(t) {
			return false
		}
	default:
		return false
	}
	t.setState(ThreadSetup)
	return true
}

// RequestDequeue dequeues t from whichever core it is queued on. A remote
// dequeue is forwarded to the owning core with an IPI, and done is called
// there with the result. For a local (or unqueued) thread, done is called
// before RequestDequeue returns. Done may be nil.
func (s *Scheduler) RequestDequeue(t *Thread, done func(ok bool)) {
	c := s.core
	target := int(t.linkCore.Load())
	if t.LinkState() != LinkedRunQueue || target < 0 || target == c.id {
		ok := s.Dequeue(t)
		if done != nil {
			done(ok)
		}
		return
	}
	c.SendDpc(target, NewDpc(func(rc *Core, _ any) {
		ok := rc.sched.dequeue(t)
		if done != nil {
			done(ok)
		}
	}, nil))
}

// resetQuantum starts a new time slice.
func (s *Scheduler) resetQuantum() {
	s.ticks = s.core.rt.opts.quantum
}

// tick is called by the clock interrupt. A reschedule is requested when the
// current thread's time slice expires, or when the idle thread is running
// while work is queued.
func (s *Scheduler) tick() {
	c := s.core
	if s.current == nil {
		return
	}
	if s.current == s.idle {
		if s.hasWork() {
			c.reschedule.Store(true)
		}
		return
	}
	if c.rt.opts.quantum == 0 {
		return
	}
	s.ticks--
	if s.ticks <= 0 {
		s.resetQuantum()
		if m := c.metrics; m != nil {
			m.QuantumExpired.Add(1)
		}
		c.reschedule.Store(true)
	}
}

// Yield gives up the core to the highest priority ready thread, if any,
// re-queueing the current thread. It must be called by the current thread
// at Normal or Apc. The thread may resume on another core.
func (c *Core) Yield() {
	prev := c.level.load()
	if prev > LevelApc {
		c.violation(InvariantSwitchLevel, "yield at %s", prev)
	}
	t := c.sched.current
	if t == nil {
		c.violation(InvariantThreadState, "yield without a current thread")
	}
	c.RaiseLevel(LevelDpc)
	c.schedule(switchYield)
	c = t.Core()
	c.lower(prev)
	if prev == LevelNormal {
		c.maybeReschedule()
	}
}

// ExitThread terminates the current thread, which must not be the idle
// thread. It never returns.
func (c *Core) ExitThread() {
	s := &c.sched
	t := s.current
	if t == nil || t == s.idle {
		c.violation(InvariantIdleBlock, "idle thread exit")
	}
	if l := c.level.load(); l != LevelNormal {
		c.violation(InvariantSwitchLevel, "exit at %s", l)
	}
	c.RaiseLevel(LevelDpc)
	t.setState(ThreadDead)
	c.dropApcs(t)
	c.schedule(switchExit)
	panic(`kcore: exited thread resumed`)
}

// schedule picks the next thread and switches to it. It must be called at
// level Dpc by the current thread. It returns when the current thread is
// resumed, possibly on another core.
func (c *Core) schedule(mode switchMode) {
	if l := c.level.load(); l != LevelDpc {
		c.violation(InvariantSwitchLevel, "switch at %s", l)
	}
	s := &c.sched
	cur := s.current

	if mode == switchBlock && cur == s.idle {
		c.violation(InvariantIdleBlock, "idle thread %s blocked", cur)
	}
	switch {
	case cur == s.idle:
		cur.setState(ThreadReady)
	case mode == switchYield:
		cur.setState(ThreadReady)
		s.enqueue(cur, false)
	}
	c.reschedule.Store(false)

	next, ok := s.popNext()
	if !ok {
		c.violation(InvariantNoIdle, "no runnable thread and no idle thread")
	}
	if next == cur {
		cur.setState(ThreadRunning)
		return
	}
	if mode == switchYield && cur != s.idle && next == s.idle {
		c.violation(InvariantRunnableIdle, "runnable thread %s switched to idle", cur)
	}
	c.switchTo(cur, next, mode)
}

func (c *Core) switchTo(cur, next *Thread, mode switchMode) {
	s := &c.sched
	s.current = next
	next.core.Store(c)
	next.setState(ThreadRunning)
	s.resetQuantum()
	if m := c.metrics; m != nil {
		m.Switches.Add(1)
		m.RunQueue.Update(s.local.Len())
	}
	if h := c.hooks; h != nil && h.onSwitch != nil {
		h.onSwitch(c, cur, next)
	}
	var from arch.Frame
	if mode != switchExit {
		from = cur.frame
		if cur.ext != nil {
			cur.ext.Save()
		}
	}
	if next.ext != nil {
		next.ext.Restore()
	}
	c.rt.platform.Switch(from, next.frame)
}
