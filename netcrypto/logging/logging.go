// Package logging defines the minimal logging seam the session engine
// writes through, letting a caller plug in its own sink without the
// engine depending on a concrete logging library.
package logging

import "log"

// Logger is the narrow interface the engine logs through.
type Logger interface {
	Printf(format string, v ...any)
}

// StdLogger routes through the standard library logger, same as the
// teacher's default logging.LogLogger.
type StdLogger struct{}

func (StdLogger) Printf(format string, v ...any) {
	log.Printf(format, v...)
}

// Discard drops every message; useful in tests that don't want log
// noise but still need a non-nil Logger.
type Discard struct{}

func (Discard) Printf(string, ...any) {}
