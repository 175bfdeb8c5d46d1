package wasm

import "errors"

// These errors are returned by host-facing operations the caller can recover
// from. Failures inside guest execution are raised as *Exception instead.
var (
	// ErrIDSpaceExhausted indicates a compartment has no free id for another
	// object of a kind.
	ErrIDSpaceExhausted = errors.New("id space exhausted")
	// ErrInvalidArgument indicates a malformed type or an argument out of range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrWrongCompartment indicates objects of different compartments were
	// combined.
	ErrWrongCompartment = errors.New("object belongs to another compartment")
	// ErrOutOfBounds indicates a host access past the end of a table.
	ErrOutOfBounds = errors.New("out of bounds")
	// ErrImmutableGlobal indicates a write to an immutable global.
	ErrImmutableGlobal = errors.New("global is immutable")
	// ErrOutOfMemory indicates the initial size of a memory or table could
	// not be committed.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrConfigFrozen indicates a Config change that would invalidate live
	// compartments.
	ErrConfigFrozen = errors.New("compartment reservation cannot change while compartments exist")
)
