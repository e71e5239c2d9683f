package monitoring

import (
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// may be replaced by SetLogger, which tests use to capture or mute output.
var Logf func(format string, v ...any) = log.Printf

var verbose atomic.Bool

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		Logf = func(string, ...any) {}
		return
	}
	Logf = f
}

// SetVerbose enables Debugf output. Per-frame and per-report detail is only
// logged in verbose mode.
func SetVerbose(on bool) { verbose.Store(on) }

func Debugf(format string, v ...any) {
	if verbose.Load() {
		Logf(format, v...)
	}
}

// Prefixed returns a logger that tags every line with prefix, e.g.
// Prefixed("[udp] ").
func Prefixed(prefix string) func(format string, v ...any) {
	return func(format string, v ...any) {
		Logf(prefix+format, v...)
	}
}
