// Package async starts supervised goroutines. A panic in a background
// goroutine is reported through the caller's logger instead of taking the
// process down.
package async

import "runtime/debug"

// PanicLogger is the slice of the logging interface that recovery needs.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn on a new goroutine named for diagnostics. Panics are caught
// and logged with their stack; the goroutine then exits normally.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover is the deferred half of Go, exported for call sites that need to
// order their own defers around it.
func Recover(logger PanicLogger, name string) {
	r := recover()
	if r == nil || logger == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	logger.Error("panic in goroutine %s: %v\n%s", name, r, debug.Stack())
}
