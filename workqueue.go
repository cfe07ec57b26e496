package kcore

import (
	"math/bits"
)

// threadList is an intrusive FIFO of threads, linked through qnext/qprev.
type threadList struct {
	head, tail *Thread
}

func (l *threadList) pushBack(t *Thread) {
	t.qnext = nil
	t.qprev = l.tail
	if l.tail != nil {
		l.tail.qnext = t
	} else {
		l.head = t
	}
	l.tail = t
}

func (l *threadList) unlink(t *Thread) {
	if t.qprev != nil {
		t.qprev.qnext = t.qnext
	} else {
		l.head = t.qnext
	}
	if t.qnext != nil {
		t.qnext.qprev = t.qprev
	} else {
		l.tail = t.qprev
	}
	t.qnext, t.qprev = nil, nil
}

// WorkQueue is a priority run queue: one FIFO per priority, the highest non
// empty priority served first. It is NOT thread-safe, a core's local queue
// is only touched by that core at level Dpc, and a cluster's shared queue is
// guarded by the cluster's mutex.
type WorkQueue struct {
	buckets []threadList
	// nonEmpty has bit p set when bucket p is non empty
	nonEmpty uint64
	length   int
}

// NewWorkQueue creates a queue for priorities [0, maxPriority].
func NewWorkQueue(maxPriority int) *WorkQueue {
	if maxPriority < 0 || maxPriority > maxPriorityLimit {
		panic(`kcore: max priority out of range`)
	}
	return &WorkQueue{buckets: make([]threadList, maxPriority+1)}
}

// MaxPriority is the highest priority accepted, higher priorities are
// clamped to it.
func (q *WorkQueue) MaxPriority() int { return len(q.buckets) - 1 }

// Len returns the number of queued threads.
func (q *WorkQueue) Len() int { return q.length }

func (q *WorkQueue) clamp(priority int) int {
	return max(0, min(priority, len(q.buckets)-1))
}

// Push appends t to the bucket of its priority.
func (q *WorkQueue) Push(t *Thread) {
	p := q.clamp(t.Priority())
	q.buckets[p].pushBack(t)
	q.nonEmpty |= 1 << uint(p)
	q.length++
}

// Pop removes the first thread of the highest non empty bucket.
func (q *WorkQueue) Pop() *Thread {
	if q.nonEmpty == 0 {
		return nil
	}
	p := bits.Len64(q.nonEmpty) - 1
	b := &q.buckets[p]
	t := b.head
	b.unlink(t)
	if b.head == nil {
		q.nonEmpty &^= 1 << uint(p)
	}
	q.length--
	return t
}

// Peek returns the thread Pop would return, without removing it.
func (q *WorkQueue) Peek() *Thread {
	if q.nonEmpty == 0 {
		return nil
	}
	return q.buckets[bits.Len64(q.nonEmpty)-1].head
}

// Remove unlinks t, which must be linked into q.
func (q *WorkQueue) Remove(t *Thread) {
	p := q.clamp(t.Priority())
	b := &q.buckets[p]
	b.unlink(t)
	if b.head == nil {
		q.nonEmpty &^= 1 << uint(p)
	}
	q.length--
}
