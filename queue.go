package kcore

import (
	"sync"
)

// chunkSize is the number of items per node of a chunkedList.
const chunkSize = 64

// chunk is a fixed-size node, with read/write cursors for O(1) push/pop.
type chunk[T any] struct {
	items   [chunkSize]T
	next    *chunk[T]
	readPos int
	pos     int
}

// chunkPool recycles chunks for one item type.
type chunkPool[T any] struct {
	pool sync.Pool
}

func newChunkPool[T any]() *chunkPool[T] {
	return &chunkPool[T]{pool: sync.Pool{New: func() any { return new(chunk[T]) }}}
}

func (p *chunkPool[T]) get() *chunk[T] {
	c := p.pool.Get().(*chunk[T])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// put returns an exhausted chunk. Slots are cleared so recycled chunks don't
// retain items.
func (p *chunkPool[T]) put(c *chunk[T]) {
	var zero T
	for i := 0; i < c.pos; i++ {
		c.items[i] = zero
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	p.pool.Put(c)
}

var (
	dpcChunks = newChunkPool[*Dpc]()
	apcChunks = newChunkPool[*Apc]()
)

// chunkedList is a FIFO of chunks. It is NOT thread-safe.
type chunkedList[T any] struct {
	pool   *chunkPool[T]
	head   *chunk[T]
	tail   *chunk[T]
	length int
}

func (q *chunkedList[T]) push(v T) {
	if q.tail == nil {
		q.tail = q.pool.get()
		q.head = q.tail
	}
	if q.tail.pos == len(q.tail.items) {
		next := q.pool.get()
		q.tail.next = next
		q.tail = next
	}
	q.tail.items[q.tail.pos] = v
	q.tail.pos++
	q.length++
}

func (q *chunkedList[T]) pop() (T, bool) {
	var zero T
	for q.head != nil {
		if q.head.readPos < q.head.pos {
			v := q.head.items[q.head.readPos]
			q.head.items[q.head.readPos] = zero
			q.head.readPos++
			q.length--
			return v, true
		}
		if q.head == q.tail {
			q.head.pos = 0
			q.head.readPos = 0
			return zero, false
		}
		old := q.head
		q.head = q.head.next
		q.pool.put(old)
	}
	return zero, false
}

// remove deletes the first item for which match returns true, preserving
// the order of the rest.
func (q *chunkedList[T]) remove(match func(T) bool) bool {
	var (
		kept  chunkedList[T]
		found bool
	)
	kept.pool = q.pool
	for {
		v, ok := q.pop()
		if !ok {
			break
		}
		if !found && match(v) {
			found = true
			continue
		}
		kept.push(v)
	}
	q.release()
	*q = kept
	return found
}

// release returns all chunks to the pool.
func (q *chunkedList[T]) release() {
	for c := q.head; c != nil; {
		next := c.next
		q.pool.put(c)
		c = next
	}
	q.head, q.tail, q.length = nil, nil, 0
}

// lockedQueue is a multi producer queue, consumed by swapping the whole
// contents out under the lock and processing them without it.
type lockedQueue[T any] struct {
	list chunkedList[T]
	mu   sync.Mutex
}

func newLockedQueue[T any](pool *chunkPool[T]) *lockedQueue[T] {
	q := &lockedQueue[T]{}
	q.list.pool = pool
	return q
}

func (q *lockedQueue[T]) push(v T) {
	q.mu.Lock()
	q.list.push(v)
	q.mu.Unlock()
}

// swap moves the contents into dst, which must be empty.
func (q *lockedQueue[T]) swap(dst *chunkedList[T]) {
	q.mu.Lock()
	*dst, q.list = q.list, chunkedList[T]{pool: q.list.pool}
	q.mu.Unlock()
}

func (q *lockedQueue[T]) remove(match func(T) bool) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.remove(match)
}

func (q *lockedQueue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.length
}
