package host

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/joeycumines/go-kcore/arch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlatform(t *testing.T, opts ...Option) *Platform {
	t.Helper()
	p, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNew_Options(t *testing.T) {
	_, err := New(WithCPUs(-1))
	assert.Error(t, err)
	_, err = New(WithTickInterval(-time.Second))
	assert.Error(t, err)

	p := newTestPlatform(t, nil, WithCPUs(3))
	assert.Equal(t, 3, p.NumCPUs())
	for i := range 3 {
		assert.Equal(t, i, p.CPU(i).Index())
	}

	p = newTestPlatform(t)
	assert.Equal(t, detectCPUs(), p.NumCPUs())
	assert.Positive(t, p.NumCPUs())
}

func TestPlatform_Clock(t *testing.T) {
	var now time.Duration
	p := newTestPlatform(t, WithCPUs(1), WithClock(func() time.Duration { return now }))
	now = 42 * time.Second
	assert.Equal(t, 42*time.Second, p.Now())

	p = newTestPlatform(t, WithCPUs(1))
	a := p.Now()
	time.Sleep(time.Millisecond)
	assert.Greater(t, p.Now(), a)
}

func TestSwitch_HandsOver(t *testing.T) {
	p := newTestPlatform(t, WithCPUs(1))
	main := p.CurrentFrame()

	var order []string
	var f arch.Frame
	f = p.NewFrame(func() {
		order = append(order, "f1")
		p.Switch(f, main)
		order = append(order, "f2")
		p.Switch(nil, main)
		t.Error("discarded frame resumed")
	})
	assert.NotEqual(t, main.ID(), f.ID())

	p.Switch(main, f)
	order = append(order, "main1")
	p.Switch(main, f)
	order = append(order, "main2")
	assert.Equal(t, []string{"f1", "main1", "f2", "main2"}, order)
}

func TestSwitch_Goexit(t *testing.T) {
	p := newTestPlatform(t, WithCPUs(1))
	main := p.CurrentFrame()
	before := runtime.NumGoroutine()

	for range 10 {
		p.Switch(main, p.NewFrame(func() { p.Switch(nil, main) }))
	}
	// polled inline, Eventually runs its condition on another goroutine
	deadline := time.Now().Add(5 * time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines: %d, want <= %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewFrame_NilEntry(t *testing.T) {
	p := newTestPlatform(t, WithCPUs(1))
	assert.Panics(t, func() { p.NewFrame(nil) })
}

func TestCPU_AssertLatches(t *testing.T) {
	p := newTestPlatform(t, WithCPUs(2))
	c := p.CPU(0)

	c.Assert(0x30)
	c.Assert(0x30)
	c.Assert(0x31)
	assert.Equal(t, []arch.Vector{0x30, 0x31}, c.TakePending(nil))
	assert.Empty(t, c.TakePending(nil))
	assert.Empty(t, p.CPU(1).TakePending(nil))

	c.Assert(0x30)
	assert.Equal(t, []arch.Vector{0x30}, c.TakePending(nil), "latched again once taken")
}

func TestCPU_InterruptMask(t *testing.T) {
	p := newTestPlatform(t, WithCPUs(1))
	c := p.CPU(0)
	assert.True(t, c.InterruptsEnabled())
	assert.True(t, c.DisableInterrupts())
	assert.False(t, c.DisableInterrupts())
	assert.False(t, c.InterruptsEnabled())
	c.EnableInterrupts()
	assert.True(t, c.InterruptsEnabled())
}

func TestCPU_Halt(t *testing.T) {
	p := newTestPlatform(t, WithCPUs(1))
	c := p.CPU(0)

	c.Assert(0x30)
	c.Assert(0x31)
	vs, err := c.Halt(context.Background(), nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []arch.Vector{0x30, 0x31}, c.TakePending(vs))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	vs, err = p.Halt(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, vs)

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.Assert(arch.VectorIpi)
	}()
	vs, err = c.Halt(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []arch.Vector{arch.VectorIpi}, vs)
}

func TestCPU_HaltClosed(t *testing.T) {
	p, err := New(WithCPUs(1))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.CPU(0).Halt(context.Background(), nil)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("halt did not return on close")
	}
	_, err = p.CPU(0).Halt(context.Background(), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPlatform_Tick(t *testing.T) {
	p := newTestPlatform(t, WithCPUs(2), WithTickInterval(time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := range 2 {
		vs, err := p.Halt(ctx, i)
		require.NoError(t, err)
		assert.Equal(t, []arch.Vector{arch.VectorClock}, vs)
	}
}
