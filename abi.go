package kcore

import (
	"math"
	"sync"
	"time"
)

// Handle is an opaque, stable reference to a waitable, for drivers. Zero is
// never a valid handle.
type Handle uint64

// InfiniteMs is the millisecond timeout that never expires.
const InfiniteMs uint32 = math.MaxUint32

// DriverTable is the function table drivers use to reach waitables, without
// holding Go pointers. Every function reports [ErrUnknownHandle] for a
// handle that is closed or was never issued.
type DriverTable struct {
	// Create makes a waitable, see NewWaitable.
	Create func(initial, max uint32) (Handle, error)
	// Wait is WaitOne with a timeout in milliseconds, or InfiniteMs.
	Wait func(c *Core, h Handle, timeoutMs uint32) (WaitResult, error)
	// Signal returns the number of waiters woken.
	Signal func(c *Core, h Handle, count uint32) (uint32, error)
	// Reset fails with ErrWaitersPresent while threads are blocked.
	Reset func(h Handle, initial, max uint32) error
	// Close invalidates the handle, cancelling its waiters.
	Close func(c *Core, h Handle) error
}

// DriverTable returns the function table for drivers.
func (rt *Runtime) DriverTable() *DriverTable {
	return &DriverTable{
		Create: func(initial, max uint32) (Handle, error) {
			if max == 0 || initial > max || uint64(max) > math.MaxInt32 {
				return 0, ErrInvalidCounts
			}
			return rt.handles.add(NewWaitable(int(initial), int(max))), nil
		},
		Wait: func(c *Core, h Handle, timeoutMs uint32) (WaitResult, error) {
			w, ok := rt.handles.get(h)
			if !ok {
				return WaitCancelled, ErrUnknownHandle
			}
			timeout := Infinite
			if timeoutMs != InfiniteMs {
				timeout = time.Duration(timeoutMs) * time.Millisecond
			}
			return c.WaitOne(w, nil, timeout), nil
		},
		Signal: func(c *Core, h Handle, count uint32) (uint32, error) {
			w, ok := rt.handles.get(h)
			if !ok {
				return 0, ErrUnknownHandle
			}
			return uint32(c.Signal(w, int(min(count, math.MaxInt32)))), nil
		},
		Reset: func(h Handle, initial, max uint32) error {
			w, ok := rt.handles.get(h)
			if !ok {
				return ErrUnknownHandle
			}
			if max == 0 || initial > max || uint64(max) > math.MaxInt32 {
				return ErrInvalidCounts
			}
			if !w.tryReset(int(initial), int(max)) {
				return ErrWaitersPresent
			}
			return nil
		},
		Close: func(c *Core, h Handle) error {
			w, ok := rt.handles.remove(h)
			if !ok {
				return ErrUnknownHandle
			}
			if n := c.CancelWaiters(w); n != 0 {
				rt.logWarning(warnHandleCancel, c.id, `handle closed with waiters`)
			}
			return nil
		},
	}
}

// tryReset is Reset, reporting false instead of panicking when there are
// waiters.
func (w *Waitable) tryReset(initial, max int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.waiters != 0 {
		return false
	}
	w.count = initial
	w.max = max
	return true
}

// handleTable maps handles to waitables. Issue order is kept in a ring, with
// closed slots zeroed, compacted once most of it is dead.
type handleTable struct {
	data   map[Handle]*Waitable
	ring   []Handle
	nextID uint64
	dead   int
	mu     sync.RWMutex
}

// handleCompactMin is the ring length below which compaction is skipped.
const handleCompactMin = 64

func newHandleTable() *handleTable {
	return &handleTable{
		data:   make(map[Handle]*Waitable),
		ring:   make([]Handle, 0, handleCompactMin),
		nextID: 1,
	}
}

func (x *handleTable) add(w *Waitable) Handle {
	x.mu.Lock()
	defer x.mu.Unlock()
	h := Handle(x.nextID)
	x.nextID++
	x.data[h] = w
	x.ring = append(x.ring, h)
	return h
}

func (x *handleTable) get(h Handle) (*Waitable, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	w, ok := x.data[h]
	return w, ok
}

func (x *handleTable) remove(h Handle) (*Waitable, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	w, ok := x.data[h]
	if !ok {
		return nil, false
	}
	delete(x.data, h)
	// handles are issued in increasing order, so the ring is sorted
	if i, found := searchHandles(x.ring, h); found {
		x.ring[i] = 0
		x.dead++
	}
	if len(x.ring) >= handleCompactMin && x.dead*2 > len(x.ring) {
		x.compactAndRenew()
	}
	return w, true
}

// compactAndRenew drops dead ring slots, and rebuilds the map, since deleted
// map entries are never released.
func (x *handleTable) compactAndRenew() {
	live := x.ring[:0]
	for _, h := range x.ring {
		if h != 0 {
			live = append(live, h)
		}
	}
	clear(x.ring[len(live):])
	x.ring = live
	x.dead = 0

	data := make(map[Handle]*Waitable, len(x.data))
	for h, w := range x.data {
		data[h] = w
	}
	x.data = data
}

// searchHandles finds h in a ring sorted by issue order, where closed slots
// are zero.
func searchHandles(ring []Handle, h Handle) (int, bool) {
	lo, hi := 0, len(ring)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		// skip zeroed slots, to the right
		j := mid
		for j < hi && ring[j] == 0 {
			j++
		}
		switch {
		case j == hi:
			hi = mid
		case ring[j] == h:
			return j, true
		case ring[j] < h:
			lo = j + 1
		default:
			hi = mid
		}
	}
	return 0, false
}

// len returns the number of open handles.
func (x *handleTable) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.data)
}

// OpenHandles returns the number of open driver handles.
func (rt *Runtime) OpenHandles() int { return rt.handles.len() }
