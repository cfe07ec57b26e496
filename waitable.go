package kcore

import (
	"sync"
	"sync/atomic"
)

// waitableSeq orders waitables by creation, waits on several objects lock
// them in this order.
var waitableSeq atomic.Uint64

// Waitable is a countable blocking object: a counting semaphore when max is
// above one, an auto-reset event when max is one. Waiters are served FIFO.
//
// The lock of a waitable is only held at level Dpc.
type Waitable struct {
	head, tail *WaitEntry

	order   uint64
	count   int
	max     int
	waiters int
	mu      sync.Mutex
}

// WaitEntry links a waiting thread into the wait list of one object. Entries
// are owned by the waiter, and must not be reused while a wait using them is
// in progress.
type WaitEntry struct {
	object     *Waitable
	wb         *waitBlock
	prev, next *WaitEntry
	seq        uint64
	index      int
	waitAll    bool
	linked     bool
}

// NewWaitable creates a waitable with the given initial and maximum count.
func NewWaitable(initial, max int) *Waitable {
	checkCounts(initial, max)
	return &Waitable{
		order: waitableSeq.Add(1),
		count: initial,
		max:   max,
	}
}

func checkCounts(initial, max int) {
	if max < 1 || initial < 0 || initial > max {
		panicContract(InvariantWaitable, "invalid counts: initial %d, max %d", initial, max)
	}
}

// Reset reinitializes the counts. Resetting a waitable with blocked waiters
// is a contract violation.
func (w *Waitable) Reset(initial, max int) {
	checkCounts(initial, max)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.waiters != 0 {
		panicContract(InvariantWaitable, "reset with %d waiters", w.waiters)
	}
	w.count = initial
	w.max = max
}

// Count returns the current count. Safe for concurrent use.
func (w *Waitable) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Max returns the maximum count.
func (w *Waitable) Max() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max
}

// Waiters returns the number of linked wait entries.
func (w *Waitable) Waiters() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiters
}

// link appends e, with w locked.
func (w *Waitable) link(e *WaitEntry) {
	e.prev = w.tail
	e.next = nil
	if w.tail != nil {
		w.tail.next = e
	} else {
		w.head = e
	}
	w.tail = e
	e.linked = true
	w.waiters++
}

// unlink removes e, with w locked.
func (w *Waitable) unlink(e *WaitEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		w.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		w.tail = e.prev
	}
	e.prev, e.next = nil, nil
	e.linked = false
	w.waiters--
}

// unlinkEntry removes e if it is still linked.
func (w *Waitable) unlinkEntry(e *WaitEntry) {
	w.mu.Lock()
	if e.linked {
		w.unlink(e)
	}
	w.mu.Unlock()
}

// Signal adds amount to the count of w, clamped to its maximum, then wakes
// waiters in FIFO order while the count is positive. It returns the number
// of waiters woken. Legal at levels up to Dpc, from any core.
//
// A waiter for all of several objects does not consume the count when woken,
// it re-evaluates every object once it runs.
func (c *Core) Signal(w *Waitable, amount int) int {
	if l := c.level.load(); l > LevelDpc {
		c.violation(InvariantLevelBound, "signal at %s", l)
	}
	if amount <= 0 {
		return 0
	}
	prev := c.raiseTo(LevelDpc)

	var (
		buf   [4]*Thread
		woken = buf[:0]
	)
	w.mu.Lock()
	if amount >= w.max-w.count {
		w.count = w.max
	} else {
		w.count += amount
	}
	for w.count > 0 && w.head != nil {
		e := w.head
		w.unlink(e)
		if e.waitAll {
			if e.wb.claim(e.seq, waitRecheck, -1) {
				woken = append(woken, e.wb.thread)
			}
			continue
		}
		if e.wb.claim(e.seq, WaitSuccess, e.index) {
			w.count--
			woken = append(woken, e.wb.thread)
		}
	}
	w.mu.Unlock()

	for _, t := range woken {
		c.makeReady(t)
	}
	c.restore(prev)
	return len(woken)
}

// CancelWaiters wakes every waiter of w with WaitCancelled, returning the
// number woken. Used when an object is destroyed.
func (c *Core) CancelWaiters(w *Waitable) int {
	if l := c.level.load(); l > LevelDpc {
		c.violation(InvariantLevelBound, "cancel waiters at %s", l)
	}
	prev := c.raiseTo(LevelDpc)
	var woken []*Thread
	w.mu.Lock()
	for w.head != nil {
		e := w.head
		w.unlink(e)
		if e.wb.claim(e.seq, WaitCancelled, e.index) {
			woken = append(woken, e.wb.thread)
		}
	}
	w.mu.Unlock()
	for _, t := range woken {
		c.makeReady(t)
	}
	c.restore(prev)
	return len(woken)
}
