// Package fault turns hardware faults and explicit raises inside guest
// execution into Signals delivered to catch frames.
//
// Go owns the process signal handlers, so a memory fault is observed as the
// runtime panic produced under debug.SetPanicOnFault, and the faulting address
// is read from its Addr method. Catch frames live on an explicit Lane rather
// than in thread-local storage.
package fault

import (
	"fmt"

	"github.com/tetratelabs/wasmrt/internal/platform"
)

// SignalKind classifies a caught fault.
type SignalKind uint8

const (
	// SignalAccessViolation is a memory fault at an address inside a
	// registered region, usually one of its guard pages.
	SignalAccessViolation SignalKind = iota + 1
	// SignalStackOverflow is raised when a lane exceeds its call depth.
	SignalStackOverflow
	// SignalIntDivideByZeroOrOverflow is an integer division trap.
	SignalIntDivideByZeroOrOverflow
	// SignalUnhandledException carries a payload passed to Raise.
	SignalUnhandledException
)

func (k SignalKind) String() string {
	switch k {
	case SignalAccessViolation:
		return "access violation"
	case SignalStackOverflow:
		return "stack overflow"
	case SignalIntDivideByZeroOrOverflow:
		return "integer divide by zero or overflow"
	case SignalUnhandledException:
		return "unhandled exception"
	}
	return fmt.Sprintf("SignalKind(%d)", uint8(k))
}

// Signal describes a fault offered to catch frame filters.
type Signal struct {
	Kind SignalKind

	// Address is the faulting address of a SignalAccessViolation.
	Address uintptr
	// Region is the region containing Address.
	Region *platform.Region

	// Payload is the value passed to Raise for a SignalUnhandledException.
	Payload any
}

func (s Signal) String() string {
	switch s.Kind {
	case SignalAccessViolation:
		return fmt.Sprintf("%s at %#x in %s region %d", s.Kind, s.Address, s.Region.Kind(), s.Region.ID())
	case SignalUnhandledException:
		return fmt.Sprintf("%s: %v", s.Kind, s.Payload)
	}
	return s.Kind.String()
}
