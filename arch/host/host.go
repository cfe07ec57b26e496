// Package host implements [arch.Platform] on top of goroutines.
//
// Every frame is a goroutine parked on its own wake channel. Switching hands
// a token to the target frame and then parks the caller, so exactly one
// goroutine executes on behalf of a logical core at any time. Interrupts are
// level-latched per vector and delivered at the points where kcore polls for
// them (lowering below Clock, between deferred items, and halting).
package host

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-kcore/arch"
)

// ErrClosed is returned by Halt once the platform has been closed.
var ErrClosed = errors.New("host: platform closed")

// Platform is a goroutine backed [arch.Platform].
type Platform struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	cpus  []*cpu
	clock func() time.Duration

	done      chan struct{}
	closeOnce sync.Once
	tickers   sync.WaitGroup

	nextFrameID atomic.Uint64
}

var _ arch.Platform = (*Platform)(nil)

// New creates a platform. Without options, one CPU per logical core of the
// host process is created, and no periodic clock interrupt is generated.
func New(opts ...Option) (*Platform, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	p := &Platform{
		done: make(chan struct{}),
	}

	if cfg.clock != nil {
		p.clock = cfg.clock
	} else {
		start := time.Now()
		p.clock = func() time.Duration { return time.Since(start) }
	}

	n := cfg.cpus
	if n <= 0 {
		n = detectCPUs()
	}
	p.cpus = make([]*cpu, n)
	for i := range p.cpus {
		p.cpus[i] = newCPU(i, p.done)
	}

	if cfg.tickInterval > 0 {
		p.tickers.Add(1)
		go p.tick(cfg.tickInterval)
	}

	return p, nil
}

// Close stops the clock generator and wakes halted CPUs with ErrClosed.
// Frames that are parked stay parked.
func (p *Platform) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.tickers.Wait()
	})
	return nil
}

// NumCPUs implements [arch.Platform].
func (p *Platform) NumCPUs() int { return len(p.cpus) }

// CPU implements [arch.Platform].
func (p *Platform) CPU(index int) arch.CPU { return p.cpus[index] }

// Now implements [arch.Platform].
func (p *Platform) Now() time.Duration { return p.clock() }

func (p *Platform) tick(interval time.Duration) {
	defer p.tickers.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			for _, c := range p.cpus {
				c.Assert(arch.VectorClock)
			}
		}
	}
}

// frame is a goroutine parked on wake.
type frame struct {
	entry   func()
	wake    chan struct{}
	id      uint64
	started atomic.Bool
}

func (f *frame) ID() uint64 { return f.id }

func (f *frame) run() {
	<-f.wake
	f.entry()
}

// NewFrame implements [arch.Switcher]. The goroutine is started lazily, on
// the first switch to the frame.
func (p *Platform) NewFrame(entry func()) arch.Frame {
	if entry == nil {
		panic(`host: nil frame entry`)
	}
	return &frame{
		entry: entry,
		wake:  make(chan struct{}, 1),
		id:    p.nextFrameID.Add(1),
	}
}

// CurrentFrame implements [arch.Switcher].
func (p *Platform) CurrentFrame() arch.Frame {
	f := &frame{
		wake: make(chan struct{}, 1),
		id:   p.nextFrameID.Add(1),
	}
	f.started.Store(true)
	return f
}

// Switch implements [arch.Switcher]. A nil from terminates the calling
// goroutine via [runtime.Goexit], after handing over.
func (p *Platform) Switch(from, to arch.Frame) {
	next := to.(*frame)
	if next.started.CompareAndSwap(false, true) {
		go next.run()
	}
	next.wake <- struct{}{}
	if from == nil {
		runtime.Goexit()
	}
	<-from.(*frame).wake
}

// Halt is a convenience wrapper for CPU(index).Halt, used by tests.
func (p *Platform) Halt(ctx context.Context, index int) ([]arch.Vector, error) {
	return p.cpus[index].Halt(ctx, nil)
}
