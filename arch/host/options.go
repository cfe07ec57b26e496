package host

import (
	"errors"
	"time"
)

// hostOptions holds configuration options for Platform creation.
type hostOptions struct {
	clock        func() time.Duration
	cpus         int
	tickInterval time.Duration
}

// Option configures a Platform instance.
type Option interface {
	applyHost(*hostOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyHostFunc func(*hostOptions) error
}

func (o *optionImpl) applyHost(opts *hostOptions) error {
	return o.applyHostFunc(opts)
}

// WithCPUs sets the number of logical cores. Zero (the default) detects the
// cores available to the process.
func WithCPUs(n int) Option {
	return &optionImpl{func(opts *hostOptions) error {
		if n < 0 {
			return errors.New("host: negative cpu count")
		}
		opts.cpus = n
		return nil
	}}
}

// WithTickInterval asserts arch.VectorClock on every CPU at the given
// interval. Zero (the default) disables the periodic clock.
func WithTickInterval(interval time.Duration) Option {
	return &optionImpl{func(opts *hostOptions) error {
		if interval < 0 {
			return errors.New("host: negative tick interval")
		}
		opts.tickInterval = interval
		return nil
	}}
}

// WithClock replaces the monotonic clock returned by Platform.Now.
func WithClock(clock func() time.Duration) Option {
	return &optionImpl{func(opts *hostOptions) error {
		opts.clock = clock
		return nil
	}}
}

// resolveOptions applies Option instances to hostOptions.
func resolveOptions(opts []Option) (*hostOptions, error) {
	cfg := &hostOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyHost(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
