// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package kcore

import (
	"errors"
	"time"

	"github.com/joeycumines/go-kcore/arch"
	"github.com/joeycumines/logiface"
)

const (
	// DefaultMaxPriority is the highest priority accepted by Enqueue, unless
	// configured otherwise. Priorities above it are clamped.
	DefaultMaxPriority = 31

	// DefaultQuantum is the number of clock interrupts a thread runs before
	// a reschedule is requested.
	DefaultQuantum = 4

	// DefaultLocalQueueLimit is the local run queue length above which new
	// work is spilled to the cluster's shared queue.
	DefaultLocalQueueLimit = 8

	// maxPriorityLimit bounds the number of priority buckets, the run queue
	// tracks non-empty buckets in a single word.
	maxPriorityLimit = 63
)

// runtimeOptions holds configuration options for Runtime creation.
type runtimeOptions struct {
	platform        arch.Platform
	logger          *logiface.Logger[logiface.Event]
	panicHandler    func(PanicInfo)
	maxPriority     int
	quantum         int
	clusterSize     int
	localQueueLimit int
	ipiBatchWindow  time.Duration
	ipiBatchSize    int
	metricsEnabled  bool
	ipiBatching     bool
}

// Option configures a Runtime instance.
type Option interface {
	applyRuntime(*runtimeOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *optionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithPlatform sets the machine the runtime drives. Without it, a host
// platform with one CPU per available logical core is created, and closed
// along with the runtime.
func WithPlatform(platform arch.Platform) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.platform = platform
		return nil
	}}
}

// WithLogger attaches a structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithMetrics enables per core metrics, see [Core.Metrics].
func WithMetrics(enabled bool) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.metricsEnabled = enabled
		return nil
	}}
}

// WithMaxPriority sets the highest thread priority, in the range [0, 63].
func WithMaxPriority(priority int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if priority < 0 || priority > maxPriorityLimit {
			return errors.New("kcore: max priority out of range")
		}
		opts.maxPriority = priority
		return nil
	}}
}

// WithQuantum sets the number of clock interrupts per time slice. Zero
// disables preemption by the clock.
func WithQuantum(ticks int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if ticks < 0 {
			return errors.New("kcore: quantum must not be negative")
		}
		opts.quantum = ticks
		return nil
	}}
}

// WithClusterSize groups that many consecutive cores into a cluster, sharing
// one secondary run queue. A size of one disables balancing.
func WithClusterSize(size int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if size < 1 {
			return errors.New("kcore: cluster size must be at least one")
		}
		opts.clusterSize = size
		return nil
	}}
}

// WithLocalQueueLimit sets the local run queue length above which newly
// ready threads are spilled to the cluster's shared queue.
func WithLocalQueueLimit(limit int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if limit < 1 {
			return errors.New("kcore: local queue limit must be at least one")
		}
		opts.localQueueLimit = limit
		return nil
	}}
}

// WithIpiBatching coalesces inter-processor interrupts: requests for the
// same target core within window (or until size requests accumulate) are
// delivered with a single interrupt. Disabled by default.
func WithIpiBatching(window time.Duration, size int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		if window <= 0 || size <= 0 {
			return errors.New("kcore: ipi batching window and size must be positive")
		}
		opts.ipiBatching = true
		opts.ipiBatchWindow = window
		opts.ipiBatchSize = size
		return nil
	}}
}

// WithPanicHandler sets a function called once, on the first contract
// violation, before the detecting core panics.
func WithPanicHandler(fn func(PanicInfo)) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.panicHandler = fn
		return nil
	}}
}

// resolveOptions applies Option instances to runtimeOptions.
func resolveOptions(opts []Option) (*runtimeOptions, error) {
	cfg := &runtimeOptions{
		maxPriority:     DefaultMaxPriority,
		quantum:         DefaultQuantum,
		clusterSize:     1,
		localQueueLimit: DefaultLocalQueueLimit,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
