package kcore

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/go-kcore/arch"
	"github.com/joeycumines/go-kcore/arch/host"
)

// Runtime owns the table of logical cores, their clusters, and the state
// shared between them (interrupt handlers, handles, logging).
type Runtime struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	platform arch.Platform
	// owned is set when the platform was created by New.
	owned io.Closer

	opts        *runtimeOptions
	warnLimiter *catrate.Limiter
	ipi         *ipiBus
	handles     *handleTable

	cores    []*Core
	clusters []*Cluster

	handlersMu sync.RWMutex
	handlers   map[arch.Vector]InterruptHandler

	nextThreadID atomic.Uint64
	panicking    atomic.Bool
	closed       atomic.Bool
}

// Core is the per logical core state: its run level, deferred work, clock
// events, and scheduler.
//
// Core is not safe for concurrent use. Other than [Core.SendDpc],
// [Core.Signal] (on waitables), and the accessors documented as such, its
// methods must only be called by the thread currently running on it.
type Core struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	level levelCell

	rt      *Runtime
	cpu     arch.CPU
	cluster *Cluster
	metrics *Metrics
	hooks   *coreTestHooks

	dpcs    *lockedQueue[*Dpc]
	mailbox *lockedQueue[*Dpc]
	clock   clockQueue
	sched   Scheduler

	id int

	reschedule atomic.Bool
	halted     atomic.Bool
	booted     atomic.Bool
}

// coreTestHooks observe core internals, for deterministic tests.
type coreTestHooks struct {
	onDrain  func(c *Core, l Level)
	onSwitch func(c *Core, from, to *Thread)
}

// New creates a runtime with one core per CPU of the platform.
func New(opts ...Option) (*Runtime, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		opts:        cfg,
		warnLimiter: newWarnLimiter(),
		handlers:    make(map[arch.Vector]InterruptHandler),
	}

	rt.platform = cfg.platform
	if rt.platform == nil {
		p, err := host.New()
		if err != nil {
			return nil, err
		}
		rt.platform, rt.owned = p, p
	}

	n := rt.platform.NumCPUs()
	if n <= 0 {
		if rt.owned != nil {
			_ = rt.owned.Close()
		}
		return nil, ErrNoPlatform
	}

	rt.cores = make([]*Core, n)
	for i := range rt.cores {
		c := &Core{
			rt:      rt,
			cpu:     rt.platform.CPU(i),
			id:      i,
			dpcs:    newLockedQueue(dpcChunks),
			mailbox: newLockedQueue(dpcChunks),
		}
		if cfg.metricsEnabled {
			c.metrics = &Metrics{}
		}
		c.sched.init(c)
		rt.cores[i] = c
	}

	rt.clusters = buildClusters(rt.cores, cfg.clusterSize)
	rt.ipi = newIpiBus(cfg)
	rt.handles = newHandleTable()

	return rt, nil
}

// Close stops IPI batching and closes the platform, if it was created by
// New. Parked threads are abandoned.
func (rt *Runtime) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return ErrRuntimeClosed
	}
	rt.ipi.close()
	if rt.owned != nil {
		return rt.owned.Close()
	}
	return nil
}

// Platform returns the machine the runtime drives.
func (rt *Runtime) Platform() arch.Platform { return rt.platform }

// NumCores returns the number of logical cores.
func (rt *Runtime) NumCores() int { return len(rt.cores) }

// Core returns the core with the given index, or nil if out of range.
func (rt *Runtime) Core(index int) *Core {
	if index < 0 || index >= len(rt.cores) {
		return nil
	}
	return rt.cores[index]
}

// Clusters returns the clusters, in core order.
func (rt *Runtime) Clusters() []*Cluster { return rt.clusters }

// Run adopts the calling goroutine as the boot thread of the core, then runs
// its idle loop until ctx is done. It is a convenience for starting
// secondary cores in their own goroutine.
func (rt *Runtime) Run(ctx context.Context, index int) error {
	c := rt.Core(index)
	if c == nil {
		return ErrCoreRange
	}
	if _, err := c.AdoptBootContext(); err != nil {
		return err
	}
	rt.logInfo(`core online`, index)
	return c.Idle(ctx)
}

// ID returns the index of the core.
func (c *Core) ID() int { return c.id }

// Runtime returns the runtime the core belongs to.
func (c *Core) Runtime() *Runtime { return c.rt }

// Cluster returns the cluster the core belongs to.
func (c *Core) Cluster() *Cluster { return c.cluster }

// Scheduler returns the scheduler of the core.
func (c *Core) Scheduler() *Scheduler { return &c.sched }

// CPU returns the interrupt controller of the core.
func (c *Core) CPU() arch.CPU { return c.cpu }

// Metrics returns the metrics of the core, or nil if disabled. Safe for
// concurrent use.
func (c *Core) Metrics() *Metrics { return c.metrics }

// ReschedulePending reports whether a reschedule has been requested. Safe
// for concurrent use.
func (c *Core) ReschedulePending() bool { return c.reschedule.Load() }

// RequestReschedule marks a reschedule as pending. It takes effect the next
// time the core lowers to Normal.
func (c *Core) RequestReschedule() { c.reschedule.Store(true) }

// Halted reports whether the core is halted in its idle loop. Safe for
// concurrent use.
func (c *Core) Halted() bool { return c.halted.Load() }

// AdoptBootContext turns the calling context into a thread, current on the
// core. If the core has no idle thread yet, the boot thread becomes it.
func (c *Core) AdoptBootContext() (*Thread, error) {
	if !c.booted.CompareAndSwap(false, true) {
		return nil, ErrBootAdopted
	}
	t := c.rt.newThread(nil, nil)
	t.frame = c.rt.platform.CurrentFrame()
	t.name = `boot`
	t.core.Store(c)
	t.setState(ThreadRunning)
	c.sched.current = t
	if c.sched.idle == nil {
		c.sched.idle = t
	}
	c.sched.resetQuantum()
	return t, nil
}

// now returns the platform clock.
func (c *Core) now() time.Duration { return c.rt.platform.Now() }
