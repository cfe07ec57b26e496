package kcore

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics tracks statistics of one core. Enabled with [WithMetrics].
//
// Counters are atomic, LatencyMetrics and QueueMetrics are guarded by their
// own mutex, so every field may be read from any goroutine.
type Metrics struct {
	// Drains counts the drain steps run, per level.
	Drains [numLevels]atomic.Uint64

	DpcInline      atomic.Uint64
	DpcQueued      atomic.Uint64
	DpcRun         atomic.Uint64
	ApcRun         atomic.Uint64
	ClockExpired   atomic.Uint64
	Interrupts     atomic.Uint64
	IpisSent       atomic.Uint64
	IpisReceived   atomic.Uint64
	Switches       atomic.Uint64
	QuantumExpired atomic.Uint64
	WaitTimeouts   atomic.Uint64
	Halts          atomic.Uint64

	// DpcLatency is the time from queueing a DPC to running it.
	DpcLatency LatencyMetrics

	// RunQueue is the depth of the local run queue, sampled on every
	// context switch.
	RunQueue QueueMetrics
}

// sampleSize is the maximum number of latency samples to retain.
const sampleSize = 1000

// LatencyMetrics tracks latency distribution with percentiles.
type LatencyMetrics struct {
	sampleIdx   int
	sampleCount int
	samples     [sampleSize]time.Duration

	// Computed percentiles (cached after Sample() call)
	P50 time.Duration
	P90 time.Duration
	P99 time.Duration
	Max time.Duration

	Mean time.Duration
	Sum  time.Duration
	mu   sync.RWMutex
}

// Record records a latency sample.
func (l *LatencyMetrics) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sampleCount >= sampleSize {
		l.Sum -= l.samples[l.sampleIdx]
	}
	l.samples[l.sampleIdx] = d
	l.Sum += d
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles from the retained samples, returning the
// number of samples used.
func (l *LatencyMetrics) Sample() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return 0
	}
	sorted := slices.Clone(l.samples[:count])
	slices.Sort(sorted)

	l.P50 = sorted[percentileIndex(count, 50)]
	l.P90 = sorted[percentileIndex(count, 90)]
	l.P99 = sorted[percentileIndex(count, 99)]
	l.Max = sorted[count-1]
	l.Mean = l.Sum / time.Duration(count)
	return count
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// QueueMetrics tracks a queue depth.
type QueueMetrics struct {
	Current int
	Max     int
	// Avg is an exponential moving average (alpha 0.1), initialized to the
	// first observation.
	Avg float64

	initialized bool
	mu          sync.RWMutex
}

// Update records an observed depth.
func (q *QueueMetrics) Update(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.Current = depth
	q.Max = max(q.Max, depth)
	if !q.initialized {
		q.Avg = float64(depth)
		q.initialized = true
		return
	}
	q.Avg = 0.9*q.Avg + 0.1*float64(depth)
}

// Snapshot returns the current, max and average depth.
func (q *QueueMetrics) Snapshot() (current, maxDepth int, avg float64) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.Current, q.Max, q.Avg
}
