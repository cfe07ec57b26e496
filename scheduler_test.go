package kcore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_PopNextOrder(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	s := c.Scheduler()
	noop := func(*Thread) {}

	t1 := rt.NewThread(noop, WithThreadName("t1"))
	t2 := rt.NewThread(noop, WithThreadName("t2"))
	t3 := rt.NewThread(noop, WithThreadName("t3"))
	hi := rt.NewThread(noop, WithThreadName("hi"))

	c.RaiseLevel(LevelDpc)
	s.Enqueue(t1, 1)
	s.Enqueue(t2, 1)
	s.Enqueue(hi, 5)
	s.Enqueue(t3, 1)
	assert.Equal(t, 4, s.Len())
	assert.True(t, c.ReschedulePending())
	for _, th := range []*Thread{t1, t2, t3, hi} {
		assert.Equal(t, LinkedRunQueue, th.LinkState())
		assert.Equal(t, ThreadReady, th.State())
	}

	var got []*Thread
	for range 4 {
		th, ok := s.PopNext()
		require.True(t, ok)
		got = append(got, th)
		assert.Equal(t, Unlinked, th.LinkState())
	}
	assert.Equal(t, []*Thread{hi, t1, t2, t3}, got)

	th, ok := s.PopNext()
	require.True(t, ok)
	assert.Same(t, s.Idle(), th, "idle when everything is empty")

	// nothing is queued any more, the pending reschedule finds only idle
	c.LowerLevel(LevelNormal)
	assert.Same(t, s.Idle(), s.Current())
	assert.False(t, c.ReschedulePending())
}

func TestScheduler_PopNextWithoutIdle(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	s := rt.Core(0).Scheduler()
	th, ok := s.PopNext()
	assert.False(t, ok)
	assert.Nil(t, th)
}

func TestScheduler_EnqueueClampsPriority(t *testing.T) {
	rt, _ := newTestRuntime(t, 1, WithMaxPriority(3))
	c := bootCore(t, rt, 0)
	noop := func(*Thread) {}

	a := rt.NewThread(noop)
	b := rt.NewThread(noop)
	c.RaiseLevel(LevelDpc)
	c.Scheduler().Enqueue(a, 100)
	c.Scheduler().Enqueue(b, -4)
	assert.Equal(t, 3, a.Priority())
	assert.Equal(t, 0, b.Priority())
	// leave nothing runnable
	assert.True(t, c.Scheduler().Dequeue(a))
	assert.True(t, c.Scheduler().Dequeue(b))
	c.LowerLevel(LevelNormal)
}

func TestScheduler_DoubleEnqueue(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	th := rt.NewThread(func(*Thread) {})

	c.RaiseLevel(LevelDpc)
	c.Scheduler().Enqueue(th, 1)
	v := catchViolation(func() { c.Scheduler().Enqueue(th, 1) })
	require.NotNil(t, v)
	assert.Equal(t, InvariantDoubleLink, v.Invariant)

	v = catchViolation(func() { c.Scheduler().Enqueue(c.Scheduler().Idle(), 1) })
	require.NotNil(t, v)
	assert.Equal(t, InvariantDoubleLink, v.Invariant)
}

func TestScheduler_EnqueueAboveDpc(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	th := rt.NewThread(func(*Thread) {})

	c.RaiseLevel(LevelClock)
	v := catchViolation(func() { c.Scheduler().Enqueue(th, 1) })
	require.NotNil(t, v)
	assert.Equal(t, InvariantLevelBound, v.Invariant)
	assert.Equal(t, Unlinked, th.LinkState())
}

func TestScheduler_BootYieldWithOnlyIdle(t *testing.T) {
	rt, _ := newTestRuntime(t, 1, WithMetrics(true))
	c := bootCore(t, rt, 0)
	boot := c.Scheduler().Current()
	require.Same(t, boot, c.Scheduler().Idle())

	c.Yield()
	assert.Same(t, boot, c.Scheduler().Current())
	assert.Equal(t, ThreadRunning, boot.State())
	assert.Equal(t, LevelNormal, c.CurrentLevel())
	assert.Zero(t, c.Metrics().Switches.Load())
}

func TestScheduler_EnqueuePreemptsIdle(t *testing.T) {
	rt, _ := newTestRuntime(t, 1, WithMetrics(true))
	c := bootCore(t, rt, 0)
	rec := newRecorder()

	th := rt.NewThread(func(th *Thread) {
		rec.add("ran")
		assert.Equal(t, ThreadRunning, th.State())
		assert.Equal(t, LevelNormal, th.Core().CurrentLevel())
	})
	assert.Equal(t, ThreadSetup, th.State())
	c.Scheduler().Enqueue(th, 0)

	assert.Equal(t, []string{"ran"}, rec.drain())
	assert.Equal(t, ThreadDead, th.State())
	assert.Equal(t, uint64(2), c.Metrics().Switches.Load())
}

func TestScheduler_YieldRoundRobin(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	rec := newRecorder()

	worker := func(th *Thread) {
		for i := range 3 {
			rec.add(th.Name() + string(rune('0'+i)))
			th.Core().Yield()
		}
	}
	a := rt.NewThread(worker, WithThreadName("a"))
	b := rt.NewThread(worker, WithThreadName("b"))

	c.RaiseLevel(LevelDpc)
	c.Scheduler().Enqueue(a, 2)
	c.Scheduler().Enqueue(b, 2)
	c.LowerLevel(LevelNormal)

	assert.Equal(t, []string{"a0", "b0", "a1", "b1", "a2", "b2"}, rec.drain())
}

func TestScheduler_HigherPriorityRunsFirst(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	rec := newRecorder()

	var hi *Thread
	lo := rt.NewThread(func(th *Thread) {
		rec.add("lo start")
		// outranks lo, so runs before Enqueue returns
		th.Core().Scheduler().Enqueue(hi, 9)
		rec.add("lo end")
	})
	hi = rt.NewThread(func(*Thread) { rec.add("hi") })

	c.Scheduler().Enqueue(lo, 1)
	assert.Equal(t, []string{"lo start", "hi", "lo end"}, rec.drain())
}

func TestScheduler_Dequeue(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	s := c.Scheduler()
	th := rt.NewThread(func(*Thread) { t.Error("dequeued thread ran") })

	assert.False(t, s.Dequeue(th))
	c.RaiseLevel(LevelDpc)
	s.Enqueue(th, 1)
	assert.True(t, s.Dequeue(th))
	assert.Equal(t, Unlinked, th.LinkState())
	assert.Equal(t, ThreadSetup, th.State())
	assert.False(t, s.Dequeue(th))
	assert.Zero(t, s.Len())
	c.LowerLevel(LevelNormal)

	var result []bool
	s.RequestDequeue(th, func(ok bool) { result = append(result, ok) })
	assert.Equal(t, []bool{false}, result)
}

func TestScheduler_SwitchHook(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	boot := c.Scheduler().Current()

	var switches [][2]*Thread
	c.hooks = &coreTestHooks{onSwitch: func(rc *Core, from, to *Thread) {
		assert.Equal(t, LevelDpc, rc.CurrentLevel())
		switches = append(switches, [2]*Thread{from, to})
	}}
	th := rt.NewThread(func(*Thread) {})
	c.Scheduler().Enqueue(th, 1)
	assert.Equal(t, [][2]*Thread{{boot, th}, {th, boot}}, switches)
}

func TestScheduler_IdleViolations(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)

	v := catchViolation(func() { c.ExitThread() })
	require.NotNil(t, v)
	assert.Equal(t, InvariantIdleBlock, v.Invariant)

	w := NewWaitable(0, 1)
	v = catchViolation(func() { c.WaitOne(w, nil, Infinite) })
	require.NotNil(t, v)
	assert.Equal(t, InvariantIdleBlock, v.Invariant)
}

func TestScheduler_YieldAboveApc(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)
	c.RaiseLevel(LevelDpc)
	v := catchViolation(func() { c.Yield() })
	require.NotNil(t, v)
	assert.Equal(t, InvariantSwitchLevel, v.Invariant)
}

type countingState struct {
	saves, restores int
}

func (x *countingState) Save()    { x.saves++ }
func (x *countingState) Restore() { x.restores++ }

func TestScheduler_ExtendedState(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := bootCore(t, rt, 0)

	var st countingState
	th := rt.NewThread(func(th *Thread) { th.Core().Yield() }, WithExtendedState(&st))
	other := rt.NewThread(func(*Thread) {})
	c.RaiseLevel(LevelDpc)
	c.Scheduler().Enqueue(th, 1)
	c.Scheduler().Enqueue(other, 1)
	c.LowerLevel(LevelNormal)

	// restored on start and after the yield, never saved on exit
	assert.Equal(t, countingState{saves: 1, restores: 2}, st)
}

func TestScheduler_SetIdleThread(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := rt.Core(0)
	s := c.Scheduler()

	linked := rt.NewThread(func(*Thread) {})
	s.Enqueue(linked, 1)
	v := catchViolation(func() { s.SetIdleThread(linked) })
	require.NotNil(t, v)
	assert.Equal(t, InvariantDoubleLink, v.Invariant)
}

func TestScheduler_DedicatedIdleThread(t *testing.T) {
	rt, _ := newTestRuntime(t, 1)
	c := rt.Core(0)

	idle := rt.NewThread(func(th *Thread) {
		_ = th.Core().Idle(context.Background())
	}, WithThreadName("idle"))
	c.Scheduler().SetIdleThread(idle)
	assert.Same(t, c, idle.Core())

	boot, err := c.AdoptBootContext()
	require.NoError(t, err)
	assert.NotSame(t, boot, c.Scheduler().Idle())

	// the boot thread may block, the idle thread halts until the timeout
	w := NewWaitable(0, 1)
	assert.Equal(t, WaitTimeout, c.WaitOne(w, nil, 5*time.Millisecond))
	assert.Same(t, boot, c.Scheduler().Current())
	assert.Equal(t, ThreadReady, idle.State())
}
