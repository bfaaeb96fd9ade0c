package phd2

import "log"

// Logger receives the handful of diagnostics the Session emits: dropped
// junk lines, the reader goroutine's exit cause, and RPC-level failures.
// PHD2's own process output and any higher-level logging strategy are the
// caller's concern (§ Non-goals: logging); this interface exists only so
// the caller can route or silence these few lines.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// stdLogger wraps the standard library log package, matching how the
// rest of this codebase's teacher lineage logs — package-level
// log.Printf, no third-party logging facade.
type stdLogger struct{}

// StdLogger returns a Logger that writes through the standard library's
// log package. Pass it as Options.Logger to see dropped lines and
// connection loss on stderr.
func StdLogger() Logger { return stdLogger{} }

func (stdLogger) Debugf(format string, args ...interface{}) {
	log.Printf("phd2: "+format, args...)
}

func (stdLogger) Errorf(format string, args ...interface{}) {
	log.Printf("phd2: "+format, args...)
}

// nopLogger discards everything. Used when Options.Logger is nil and the
// caller hasn't asked for diagnostics.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Errorf(string, ...interface{}) {}
