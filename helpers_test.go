package kcore

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-kcore/arch/host"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced platform clock.
type fakeClock struct {
	now atomic.Int64
}

func (x *fakeClock) Now() time.Duration { return time.Duration(x.now.Load()) }

func (x *fakeClock) Advance(d time.Duration) { x.now.Add(int64(d)) }

// newTestRuntime creates a runtime on a host platform with the given number
// of CPUs.
func newTestRuntime(t *testing.T, cpus int, opts ...Option) (*Runtime, *host.Platform) {
	t.Helper()
	return newTestRuntimeHost(t, []host.Option{host.WithCPUs(cpus)}, opts...)
}

func newTestRuntimeHost(t *testing.T, hostOpts []host.Option, opts ...Option) (*Runtime, *host.Platform) {
	t.Helper()
	p, err := host.New(hostOpts...)
	require.NoError(t, err)
	rt, err := New(append([]Option{WithPlatform(p)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = rt.Close()
		_ = p.Close()
	})
	return rt, p
}

// bootCore adopts the test goroutine as the boot (and idle) thread of core
// index.
func bootCore(t *testing.T, rt *Runtime, index int) *Core {
	t.Helper()
	c := rt.Core(index)
	require.NotNil(t, c)
	_, err := c.AdoptBootContext()
	require.NoError(t, err)
	return c
}

// catchViolation runs fn, returning the contract violation it panicked with.
func catchViolation(fn func()) (v *ContractViolation) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if v, ok = r.(*ContractViolation); !ok {
				panic(r)
			}
		}
	}()
	fn()
	return nil
}

// recorder collects events from threads, read by the test goroutine once
// the threads have run.
type recorder struct {
	ch chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 256)} }

func (x *recorder) add(s string) { x.ch <- s }

func (x *recorder) drain() []string {
	var out []string
	for {
		select {
		case s := <-x.ch:
			out = append(out, s)
		default:
			return out
		}
	}
}
