package kcore

import (
	"cmp"
	"math"
	"slices"
	"sync/atomic"
	"time"
)

// WaitResult is the outcome of a wait.
type WaitResult uint8

const (
	// WaitSuccess means the wait was satisfied, consuming one count of the
	// object (or of every object, when waiting for all).
	WaitSuccess WaitResult = iota
	// WaitTimeout means the timeout expired, or the wait was a poll that
	// would have blocked.
	WaitTimeout
	// WaitCancelled means the wait was aborted by CancelWait, or the object
	// was destroyed.
	WaitCancelled

	// waitRecheck wakes a thread waiting for all objects, to re-evaluate.
	waitRecheck WaitResult = math.MaxUint8
)

// String returns a human-readable representation of the result.
func (r WaitResult) String() string {
	switch r {
	case WaitSuccess:
		return "Success"
	case WaitTimeout:
		return "Timeout"
	case WaitCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Infinite is the timeout of a wait that never expires.
const Infinite time.Duration = math.MaxInt64

// MaxWaitObjects bounds the number of objects of a single WaitMany.
const MaxWaitObjects = 64

// wait block states, the low bits of waitBlock.word
const (
	waitIdle uint64 = iota
	waitArmed
	waitClaimed

	waitStateBits = 2
	waitStateMask = 1<<waitStateBits - 1
)

// waitBlock is the per thread wait state. The word packs a sequence number,
// unique to each wait, with the state, so a claim for a finished wait can
// never succeed against a later one.
type waitBlock struct {
	thread  *Thread
	entries []*WaitEntry
	order   []int
	own     WaitEntry
	seq     uint64
	index   int
	word    atomic.Uint64
	result  WaitResult
}

// arm starts a new wait, returning its sequence number.
func (wb *waitBlock) arm() uint64 {
	wb.seq++
	wb.word.Store(wb.seq<<waitStateBits | waitArmed)
	return wb.seq
}

// claim completes the wait seq, if it is still armed. Exactly one claim
// succeeds per wait, and the claimer must make the thread ready.
func (wb *waitBlock) claim(seq uint64, r WaitResult, index int) bool {
	if !wb.word.CompareAndSwap(seq<<waitStateBits|waitArmed, seq<<waitStateBits|waitClaimed) {
		return false
	}
	wb.result, wb.index = r, index
	return true
}

// finish ends a claimed wait, on the waiting thread.
func (wb *waitBlock) finish() (WaitResult, int) {
	r, index := wb.result, wb.index
	wb.word.Store(wb.seq<<waitStateBits | waitIdle)
	return r, index
}

// blocked reports whether the wait is armed and unclaimed, returning its
// sequence number.
func (wb *waitBlock) blocked() (uint64, bool) {
	w := wb.word.Load()
	return w >> waitStateBits, w&waitStateMask == waitArmed
}

// lockOrder sorts the object indexes by creation order, reporting nil and
// duplicate objects.
func (c *Core) lockOrder(wb *waitBlock, objs []*Waitable) []int {
	order := wb.order[:0]
	for i, w := range objs {
		if w == nil {
			c.violation(InvariantWaitable, "nil waitable at index %d", i)
		}
		order = append(order, i)
	}
	slices.SortFunc(order, func(a, b int) int {
		return cmp.Compare(objs[a].order, objs[b].order)
	})
	for i := 1; i < len(order); i++ {
		if objs[order[i]] == objs[order[i-1]] {
			c.violation(InvariantWaitable, "waitable at index %d passed twice", order[i])
		}
	}
	wb.order = order
	return order
}

// WaitOne waits until w can be acquired, the timeout expires, or the wait
// is cancelled. It never blocks while the count is positive. A zero timeout
// polls, [Infinite] never expires. Entry may be nil, to use storage embedded
// in the thread.
//
// WaitOne must be called by the current thread, at level Normal. The thread
// may resume on another core.
func (c *Core) WaitOne(w *Waitable, entry *WaitEntry, timeout time.Duration) WaitResult {
	t := c.sched.current
	if entry == nil && t != nil {
		entry = &t.wait.own
	}
	objs := [1]*Waitable{w}
	entries := [1]*WaitEntry{entry}
	r, _ := c.wait(objs[:], entries[:], timeout, false)
	return r
}

// WaitMany waits on several objects. Without waitAll it is satisfied by the
// first object that can be acquired, returning its index (the lowest index
// wins when several can). With waitAll every object is acquired at once, and
// the index is zero. The index is -1 unless the result is [WaitSuccess].
//
// Entries supplies one entry per object, and may be nil to allocate them.
func (c *Core) WaitMany(ws []*Waitable, entries []WaitEntry, timeout time.Duration, waitAll bool) (WaitResult, int) {
	if len(ws) == 0 || len(ws) > MaxWaitObjects {
		c.violation(InvariantWaitable, "wait on %d objects", len(ws))
	}
	if len(entries) < len(ws) {
		entries = make([]WaitEntry, len(ws))
	}
	var wb *waitBlock
	if t := c.sched.current; t != nil {
		wb = &t.wait
	} else {
		wb = &waitBlock{}
	}
	ptrs := wb.entries[:0]
	for i := range ws {
		ptrs = append(ptrs, &entries[i])
	}
	wb.entries = ptrs
	return c.wait(ws, ptrs, timeout, waitAll)
}

// tryAcquire consumes counts if the wait is satisfied, with every object
// locked.
func tryAcquire(objs []*Waitable, waitAll bool) (int, bool) {
	if waitAll {
		for _, w := range objs {
			if w.count == 0 {
				return -1, false
			}
		}
		for _, w := range objs {
			w.count--
		}
		return 0, true
	}
	for i, w := range objs {
		if w.count > 0 {
			w.count--
			return i, true
		}
	}
	return -1, false
}

func lockAll(objs []*Waitable, order []int) {
	for _, i := range order {
		objs[i].mu.Lock()
	}
}

func unlockAll(objs []*Waitable, order []int) {
	for j := len(order) - 1; j >= 0; j-- {
		objs[order[j]].mu.Unlock()
	}
}

func (c *Core) wait(objs []*Waitable, entries []*WaitEntry, timeout time.Duration, waitAll bool) (WaitResult, int) {
	s := &c.sched
	t := s.current
	if l := c.level.load(); l != LevelNormal {
		c.violation(InvariantWaitContext, "wait at %s", l)
	}
	if t == nil {
		c.violation(InvariantWaitContext, "wait without a current thread")
	}
	if timeout < 0 {
		timeout = 0
	}

	wb := &t.wait
	order := c.lockOrder(wb, objs)

	var deadline time.Duration
	if timeout != Infinite && timeout > 0 {
		// a deadline past the end of the clock never expires
		if now := c.now(); timeout > Infinite-now {
			timeout = Infinite
		} else {
			deadline = now + timeout
		}
	}

	c.RaiseLevel(LevelDpc)
	for {
		lockAll(objs, order)

		if index, ok := tryAcquire(objs, waitAll); ok {
			unlockAll(objs, order)
			c.LowerLevel(LevelNormal)
			return WaitSuccess, index
		}

		if timeout != Infinite && (timeout == 0 || deadline <= c.now()) {
			unlockAll(objs, order)
			c.LowerLevel(LevelNormal)
			return WaitTimeout, -1
		}

		if t == s.idle {
			unlockAll(objs, order)
			c.violation(InvariantIdleBlock, "idle thread %s would block", t)
		}

		// armed before linking, so a signal racing with the remaining links
		// claims this wait rather than being lost
		seq := wb.arm()
		for i, w := range objs {
			e := entries[i]
			e.object = w
			e.wb = wb
			e.seq = seq
			e.index = i
			e.waitAll = waitAll
			w.link(e)
		}
		t.setState(ThreadBlocked)
		t.setLink(LinkedWaitList, c.id)
		unlockAll(objs, order)

		var ev *ClockEvent
		if timeout != Infinite {
			ev = NewClockEvent(deadline, NewDpc(expireWait, &waitTimeout{thread: t, seq: seq}))
			c.QueueClockEvent(ev)
		}

		armedOn := c
		c.schedule(switchBlock)
		c = t.Core()

		for _, e := range entries {
			e.object.unlinkEntry(e)
		}
		if ev != nil && armedOn == c {
			c.RaiseLevel(LevelClock)
			c.dequeueClockEvent(ev)
			c.lower(LevelDpc)
		}

		r, index := wb.finish()
		if r == waitRecheck {
			continue
		}
		if m := c.metrics; m != nil && r == WaitTimeout {
			m.WaitTimeouts.Add(1)
		}
		c.LowerLevel(LevelNormal)
		return r, index
	}
}

// waitTimeout identifies the wait a timeout belongs to.
type waitTimeout struct {
	thread *Thread
	seq    uint64
}

func expireWait(c *Core, arg any) {
	wt := arg.(*waitTimeout)
	if wt.thread.wait.claim(wt.seq, WaitTimeout, -1) {
		c.makeReady(wt.thread)
	}
}

// CancelWait aborts the wait of t, which then returns [WaitCancelled]. It
// returns false, doing nothing, if t is not blocked in a wait (including
// when it was already cancelled). Legal at levels up to Dpc.
func (c *Core) CancelWait(t *Thread) bool {
	if l := c.level.load(); l > LevelDpc {
		c.violation(InvariantLevelBound, "cancel wait at %s", l)
	}
	seq, ok := t.wait.blocked()
	if !ok || !t.wait.claim(seq, WaitCancelled, -1) {
		return false
	}
	prev := c.raiseTo(LevelDpc)
	c.makeReady(t)
	c.restore(prev)
	return true
}

// makeReady queues a claimed thread on the core it blocked on. A remote
// thread is handed to its core with an IPI.
func (c *Core) makeReady(t *Thread) {
	home := t.Core()
	if home == nil || home == c {
		c.readyLocal(t)
		return
	}
	c.SendDpc(home.id, &t.wakeDpc)
}

func wakeThread(c *Core, arg any) {
	c.readyLocal(arg.(*Thread))
}

func (c *Core) readyLocal(t *Thread) {
	prev := c.raiseTo(LevelDpc)
	t.setLink(Unlinked, -1)
	t.setState(ThreadReady)
	c.sched.enqueue(t, true)
	c.restore(prev)
}
