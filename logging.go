package kcore

import (
	"log"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Warning categories, each rate limited independently.
const (
	warnRemoteDequeue = "remote-dequeue"
	warnUnhandledIrq  = "unhandled-interrupt"
	warnDroppedApc    = "dropped-apc"
	warnIpiFallback   = "ipi-fallback"
	warnHandleCancel  = "handle-close-waiters"
	warnHaltFailure   = "halt-failure"
)

// newWarnLimiter allows bursts of warnings, then throttles each category to a
// trickle.
func newWarnLimiter() *catrate.Limiter {
	return catrate.NewLimiter(map[time.Duration]int{
		time.Second: 5,
		time.Minute: 30,
	})
}

// logCritical logs a fatal condition. A panicking logger must not mask the
// original failure, so the log call is guarded.
func (rt *Runtime) logCritical(msg string, err error) {
	if rt.opts.logger == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("kcore: logger panicked while logging %q: %v", msg, r)
		}
	}()
	b := rt.opts.logger.Crit()
	if v, ok := err.(*ContractViolation); ok && v != nil {
		b = b.Int(`core`, v.Core).Str(`invariant`, string(v.Invariant))
	}
	b.Err(err).Log(msg)
}

// logWarning logs a recoverable anomaly observed by core, subject to the
// per category rate limit.
func (rt *Runtime) logWarning(category string, core int, msg string) {
	if rt.opts.logger == nil {
		return
	}
	if _, ok := rt.warnLimiter.Allow(category); !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("kcore: logger panicked while logging %q: %v", msg, r)
		}
	}()
	rt.opts.logger.Warning().
		Str(`category`, category).
		Int(`core`, core).
		Log(msg)
}

// logInfo logs lifecycle events.
func (rt *Runtime) logInfo(msg string, core int) {
	if rt.opts.logger == nil {
		return
	}
	rt.opts.logger.Info().Int(`core`, core).Log(msg)
}
