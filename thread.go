package kcore

import (
	"fmt"
	"sync/atomic"

	"github.com/joeycumines/go-kcore/arch"
)

// ThreadState is the lifecycle state of a [Thread].
//
//	Setup → Ready        [Enqueue]
//	Ready → Running      [switched to]
//	Running → Ready      [Yield, preemption]
//	Running → Blocked    [WaitOne, WaitMany]
//	Blocked → Ready      [Signal, timeout, CancelWait]
//	Running → Dead       [ExitThread, entry returned]
//	Ready → Setup        [Dequeue]
type ThreadState uint32

const (
	ThreadSetup ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadBlocked
	ThreadDead
)

// String returns a human-readable representation of the state.
func (s ThreadState) String() string {
	switch s {
	case ThreadSetup:
		return "Setup"
	case ThreadReady:
		return "Ready"
	case ThreadRunning:
		return "Running"
	case ThreadBlocked:
		return "Blocked"
	case ThreadDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// LinkState records which queue, if any, a thread is linked into. A thread
// is linked into at most one queue at a time.
type LinkState uint32

const (
	Unlinked LinkState = iota
	LinkedRunQueue
	LinkedSharedQueue
	LinkedWaitList
)

// String returns a human-readable representation of the link state.
func (s LinkState) String() string {
	switch s {
	case Unlinked:
		return "Unlinked"
	case LinkedRunQueue:
		return "RunQueue"
	case LinkedSharedQueue:
		return "SharedQueue"
	case LinkedWaitList:
		return "WaitList"
	default:
		return "Unknown"
	}
}

// Thread is a kernel thread: a schedulable execution frame.
type Thread struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	rt    *Runtime
	entry func(t *Thread)
	frame arch.Frame
	ext   arch.ExtendedState
	apcs  *lockedQueue[*Apc]
	name  string

	// run queue links, owned by the queue the thread is linked into
	qnext, qprev *Thread

	wait    waitBlock
	wakeDpc Dpc

	id uint64

	core     atomic.Pointer[Core]
	state    atomic.Uint32
	link     atomic.Uint32
	linkCore atomic.Int32
	priority atomic.Int32
}

// ThreadOption configures a thread created by [Runtime.NewThread].
type ThreadOption interface {
	applyThread(*Thread)
}

type threadOptionImpl struct {
	applyThreadFunc func(*Thread)
}

func (o *threadOptionImpl) applyThread(t *Thread) { o.applyThreadFunc(t) }

// WithThreadName names the thread, for diagnostics.
func WithThreadName(name string) ThreadOption {
	return &threadOptionImpl{func(t *Thread) { t.name = name }}
}

// WithExtendedState attaches register state saved when the thread is
// switched away from, and restored when it is switched back to.
func WithExtendedState(state arch.ExtendedState) ThreadOption {
	return &threadOptionImpl{func(t *Thread) { t.ext = state }}
}

// NewThread creates a thread in the Setup state. It starts running entry,
// at level Normal, once enqueued and picked by a scheduler. The thread exits
// when entry returns.
func (rt *Runtime) NewThread(entry func(t *Thread), opts ...ThreadOption) *Thread {
	if entry == nil {
		panic(`kcore: nil thread entry`)
	}
	t := rt.newThread(entry, opts)
	t.frame = rt.platform.NewFrame(t.run)
	return t
}

func (rt *Runtime) newThread(entry func(t *Thread), opts []ThreadOption) *Thread {
	t := &Thread{
		rt:    rt,
		entry: entry,
		apcs:  newLockedQueue(apcChunks),
		id:    rt.nextThreadID.Add(1),
	}
	t.linkCore.Store(-1)
	t.wait.thread = t
	t.wakeDpc.Fn = wakeThread
	t.wakeDpc.Arg = t
	for _, opt := range opts {
		if opt != nil {
			opt.applyThread(t)
		}
	}
	if t.name == "" {
		t.name = fmt.Sprintf("thread-%d", t.id)
	}
	return t
}

// run is the first code executed by a new thread. Threads are switched to at
// level Dpc.
func (t *Thread) run() {
	t.Core().LowerLevel(LevelNormal)
	t.entry(t)
	t.Core().ExitThread()
}

// ID returns the unique identifier of the thread.
func (t *Thread) ID() uint64 { return t.id }

// Name returns the name of the thread.
func (t *Thread) Name() string { return t.name }

// String implements fmt.Stringer.
func (t *Thread) String() string { return t.name }

// State returns the lifecycle state. Safe for concurrent use.
func (t *Thread) State() ThreadState { return ThreadState(t.state.Load()) }

func (t *Thread) setState(s ThreadState) { t.state.Store(uint32(s)) }

// LinkState returns the queue the thread is linked into. Safe for concurrent
// use.
func (t *Thread) LinkState() LinkState { return LinkState(t.link.Load()) }

func (t *Thread) setLink(s LinkState, core int) {
	t.linkCore.Store(int32(core))
	t.link.Store(uint32(s))
}

// Priority returns the priority the thread was last enqueued with.
func (t *Thread) Priority() int { return int(t.priority.Load()) }

// Core returns the core the thread last ran on, or will run on next if it
// was enqueued there. Running code uses it to find its current core.
func (t *Thread) Core() *Core { return t.core.Load() }
