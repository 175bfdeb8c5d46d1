// Package platform includes the virtual memory and clock primitives the
// runtime is built on.
//
// Every linear memory, table and compartment runtime-data block lives in a
// Region: a reservation whose base address never moves, followed by guard
// pages that are never committed. Accesses past the committed extent fault
// instead of reaching unrelated host memory.
package platform

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrReserve is returned when the address space for a Region could not be reserved.
	ErrReserve = errors.New("cannot reserve address space")
	// ErrCommit is returned when physical backing could not be committed to a Region.
	ErrCommit = errors.New("cannot commit memory")
	// ErrRange is returned when a commit or decommit range is outside the usable extent.
	ErrRange = errors.New("range outside usable extent")
	// ErrReleased is returned when operating on a Region after Release.
	ErrReleased = errors.New("region released")

	errUnsupported = fmt.Errorf("guarded regions unsupported on GOOS=%s", runtime.GOOS)
)

// PageSize returns the size of a host virtual memory page.
func PageSize() uint64 {
	return pageSize
}

// AlignUp rounds n up to a multiple of align, which must be a power of two.
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown rounds n down to a multiple of align, which must be a power of two.
func AlignDown(n, align uint64) uint64 {
	return n &^ (align - 1)
}
