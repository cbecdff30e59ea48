// Package asyncutil provides panic-safe goroutine launching for
// fire-and-forget work: cron ticks, immediate-agent launches, and
// coalescer execution ticks must never take the process down.
package asyncutil

import "runtime/debug"

// PanicLogger is the minimal logging capability Go/Recover need.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go launches fn in a new goroutine, recovering any panic and reporting
// it through logger instead of letting it crash the process.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover should be deferred directly in any goroutine that cannot go
// through Go (e.g. one already wrapped by a caller). It is a no-op when
// there is no panic.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		return
	}
	if name == "" {
		logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
		return
	}
	logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
}
