// Package logging holds the process-wide zap logger used by the runtime
// packages. This is in an independent package to avoid dependency cycles.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var logger atomic.Pointer[zap.Logger]

// Logger returns the runtime's logger. It is a no-op logger until SetLogger
// is called.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return nop
}

var nop = zap.NewNop()

// SetLogger configures the runtime's logger. A nil logger restores the
// no-op default.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

// Named returns a child of Logger scoped to one subsystem, such as "gc" or
// "fault".
func Named(subsystem string) *zap.Logger {
	return Logger().Named(subsystem)
}
