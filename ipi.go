package kcore

import (
	"context"

	"github.com/joeycumines/go-kcore/arch"
	"github.com/joeycumines/go-microbatch"
)

// SendDpc queues d on the target core. A remote target receives d in its IPI
// mailbox, and an inter-processor interrupt moves it into the target's DPC
// queue. This is the only way work crosses cores. Safe to call from any
// level.
func (c *Core) SendDpc(target int, d *Dpc) {
	if target == c.id {
		c.QueueDpc(d)
		return
	}
	tc := c.rt.Core(target)
	if tc == nil {
		c.violation(InvariantLevelBound, "ipi to core %d of %d", target, len(c.rt.cores))
	}
	c.linkDpc(d)
	tc.mailbox.push(d)
	if m := c.metrics; m != nil {
		m.IpisSent.Add(1)
	}
	c.rt.ipi.kick(c, tc)
}

// receiveIpi moves the mailbox into the local DPC queue, at level
// Interrupt.
func (c *Core) receiveIpi() {
	var batch chunkedList[*Dpc]
	c.mailbox.swap(&batch)
	for {
		d, ok := batch.pop()
		if !ok {
			break
		}
		c.dpcs.push(d)
	}
	batch.release()
	if m := c.metrics; m != nil {
		m.IpisReceived.Add(1)
	}
}

// ipiBus asserts VectorIpi on target cores, either directly or coalesced in
// batches.
type ipiBus struct {
	batcher *microbatch.Batcher[*Core]
}

func newIpiBus(cfg *runtimeOptions) *ipiBus {
	b := &ipiBus{}
	if cfg.ipiBatching {
		b.batcher = microbatch.NewBatcher(&microbatch.BatcherConfig{
			MaxSize:       cfg.ipiBatchSize,
			FlushInterval: cfg.ipiBatchWindow,
		}, deliverIpis)
	}
	return b
}

// deliverIpis asserts one interrupt per distinct target in the batch.
func deliverIpis(_ context.Context, targets []*Core) error {
	var seen uint64
	var overflow map[*Core]struct{}
	for _, c := range targets {
		if c.id < 64 {
			if seen&(1<<uint(c.id)) != 0 {
				continue
			}
			seen |= 1 << uint(c.id)
		} else {
			if _, ok := overflow[c]; ok {
				continue
			}
			if overflow == nil {
				overflow = make(map[*Core]struct{})
			}
			overflow[c] = struct{}{}
		}
		c.cpu.Assert(arch.VectorIpi)
	}
	return nil
}

// kick interrupts target on behalf of from. When batching, a closed batcher
// falls back to a direct interrupt.
func (b *ipiBus) kick(from, target *Core) {
	if b.batcher != nil {
		if _, err := b.batcher.Submit(context.Background(), target); err == nil {
			return
		}
		from.rt.logWarning(warnIpiFallback, from.id, `ipi batcher closed, interrupting directly`)
	}
	target.cpu.Assert(arch.VectorIpi)
}

func (b *ipiBus) close() {
	if b.batcher != nil {
		_ = b.batcher.Shutdown(context.Background())
	}
}
