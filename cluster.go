package kcore

import (
	"sync"
	"sync/atomic"
)

// Cluster is a group of consecutive cores sharing a secondary run queue.
// Cores spill work into it when their local queue is over its limit, and
// take from it before idling.
type Cluster struct {
	shared *WorkQueue
	cores  []*Core
	id     int
	mu     sync.Mutex
	length atomic.Int32
}

func buildClusters(cores []*Core, size int) []*Cluster {
	var clusters []*Cluster
	for i := 0; i < len(cores); i += size {
		cl := &Cluster{
			id:     len(clusters),
			cores:  cores[i:min(i+size, len(cores))],
			shared: NewWorkQueue(cores[i].rt.opts.maxPriority),
		}
		for _, c := range cl.cores {
			c.cluster = cl
		}
		clusters = append(clusters, cl)
	}
	return clusters
}

// ID returns the index of the cluster.
func (cl *Cluster) ID() int { return cl.id }

// Cores returns the cores of the cluster.
func (cl *Cluster) Cores() []*Core { return cl.cores }

// balances reports whether spilling to the shared queue is useful.
func (cl *Cluster) balances() bool { return len(cl.cores) > 1 }

func (cl *Cluster) sharedLen() int { return int(cl.length.Load()) }

// SharedLen returns the number of threads in the shared queue. Safe for
// concurrent use.
func (cl *Cluster) SharedLen() int { return cl.sharedLen() }

func (cl *Cluster) push(t *Thread) {
	cl.mu.Lock()
	cl.shared.Push(t)
	t.setLink(LinkedSharedQueue, -1)
	cl.length.Add(1)
	cl.mu.Unlock()
}

func (cl *Cluster) pop() *Thread {
	if cl.length.Load() == 0 {
		return nil
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t := cl.shared.Pop()
	if t != nil {
		t.setLink(Unlinked, -1)
		cl.length.Add(-1)
	}
	return t
}

func (cl *Cluster) remove(t *Thread) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if t.LinkState() != LinkedSharedQueue {
		return false
	}
	cl.shared.Remove(t)
	t.setLink(Unlinked, -1)
	cl.length.Add(-1)
	return true
}

// kick wakes one halted sibling of from, so it takes from the shared queue.
// Halting cores publish their state before their last check of the shared
// queue, so either the sibling observes the new work or it is seen halted.
func (cl *Cluster) kick(from *Core) {
	for _, c := range cl.cores {
		if c != from && c.halted.Load() {
			from.rt.ipi.kick(from, c)
			return
		}
	}
}
