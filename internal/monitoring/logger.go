package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
// Call it before starting flight units; it is not synchronised with loggers
// already running in other goroutines.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// UnitLogger returns a logger that prefixes every line with [unit]. The
// package logger is resolved on each call so SetLogger still applies.
func UnitLogger(unit string) func(format string, v ...interface{}) {
	prefix := "[" + unit + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
