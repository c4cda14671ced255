package observability

import (
	"runtime/debug"
)

// RecoverPanic recovers a panic and logs it with the full stack trace, for
// use in defer statements around background work:
//
//	defer observability.RecoverPanic(logger, "expiry sweep")
//
// The panic is not re-raised; the goroutine returns normally.
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logger.WithField("panic", r).
			WithField("stack", string(debug.Stack())).
			WithField("context", context).
			Error("PANIC recovered")
	}
}
