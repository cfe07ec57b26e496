// Package kcore is the concurrency core of a multi-core kernel: per core run
// levels, deferred procedure calls, clock events, a countable blocking
// primitive, and a per core priority scheduler grouped into clusters.
//
// # Run levels
//
// Every [Core] has a run level, see [Level]. Work queued for a level runs
// when the core lowers through it:
//
//	prev := c.RaiseLevel(kcore.LevelDpc)
//	c.QueueDpc(d)     // queued, the core is at Dpc
//	c.LowerLevel(prev) // d runs here
//
// Below Dpc, QueueDpc runs the item inline instead. Interrupts are masked
// at Clock and above, and are delivered as the core lowers below Clock,
// between deferred items, and from the idle loop.
//
// # Threads
//
// A [Thread] runs at Normal, and only code at Normal may block. Threads are
// switched at level Dpc, and may resume on another core of their cluster,
// so running code finds its core with [Thread.Core]:
//
//	rt.NewThread(func(t *kcore.Thread) {
//		if t.Core().WaitOne(w, nil, kcore.Infinite) == kcore.WaitSuccess {
//			// ...
//		}
//	})
//
// # Cores
//
// Cores never touch each other's queues. Work crosses cores only through
// [Core.SendDpc], an IPI mailbox drained by the target's interrupt handler.
//
// # Platform
//
// The machine is abstracted by [github.com/joeycumines/go-kcore/arch]. The
// default platform, [github.com/joeycumines/go-kcore/arch/host], runs each
// thread as a goroutine, handing a baton between them on every switch.
package kcore
