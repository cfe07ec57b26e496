package host

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-kcore/arch"
	"github.com/joeycumines/go-longpoll"
)

// numVectors is the size of the vector space, every vector can be latched
// at most once, so lines never blocks.
const numVectors = 256

// haltConfig receives at least one vector, then whatever else is already
// latched, with no partial timeout.
var haltConfig = longpoll.ChannelConfig{
	MaxSize:        -1,
	MinSize:        1,
	PartialTimeout: -1,
}

type cpu struct {
	done     <-chan struct{}
	lines    chan arch.Vector
	index    int
	enabled  atomic.Bool
	mu       sync.Mutex
	asserted [numVectors]bool
}

var _ arch.CPU = (*cpu)(nil)

func newCPU(index int, done <-chan struct{}) *cpu {
	c := &cpu{
		index: index,
		lines: make(chan arch.Vector, numVectors),
		done:  done,
	}
	c.enabled.Store(true)
	return c
}

func (c *cpu) Index() int { return c.index }

func (c *cpu) InterruptsEnabled() bool { return c.enabled.Load() }

func (c *cpu) DisableInterrupts() bool { return c.enabled.Swap(false) }

func (c *cpu) EnableInterrupts() { c.enabled.Store(true) }

// Assert latches v, a vector already latched is merged with the pending one.
func (c *cpu) Assert(v arch.Vector) {
	c.mu.Lock()
	if c.asserted[v] {
		c.mu.Unlock()
		return
	}
	c.asserted[v] = true
	c.mu.Unlock()
	c.lines <- v
}

// ack clears the latch for v, it must be called before v is handled.
func (c *cpu) ack(v arch.Vector) {
	c.mu.Lock()
	c.asserted[v] = false
	c.mu.Unlock()
}

func (c *cpu) TakePending(buf []arch.Vector) []arch.Vector {
	for {
		select {
		case v := <-c.lines:
			c.ack(v)
			buf = append(buf, v)
		default:
			return buf
		}
	}
}

func (c *cpu) Halt(ctx context.Context, buf []arch.Vector) ([]arch.Vector, error) {
	select {
	case <-c.done:
		return buf, ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := longpoll.Channel(ctx, &haltConfig, c.lines, func(v arch.Vector) error {
		c.ack(v)
		buf = append(buf, v)
		return nil
	})
	if err != nil && len(buf) == 0 {
		select {
		case <-c.done:
			return buf, ErrClosed
		default:
		}
		return buf, err
	}
	return buf, nil
}
