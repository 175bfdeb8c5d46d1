package wasm

import (
	"fmt"
	"sync/atomic"
)

// Config is the process-wide reservation policy.
type Config struct {
	// Memory32ReservedBytes is the address space reserved for each memory
	// with 32-bit indices, guard pages included. At 8 GiB any 32-bit index
	// plus 32-bit offset lands inside the reservation.
	Memory32ReservedBytes uint64
	// Memory64MaxReservedBytes caps the usable extent reserved for memories
	// with 64-bit indices, which bounds their maximum size.
	Memory64MaxReservedBytes uint64
	// GuardBytes is the minimum guard following every memory and table.
	GuardBytes uint64
	// ReserveDeclaredMaxOnly reserves only the declared maximum of a 32-bit
	// memory. Accesses past the guard are then checked in software.
	ReserveDeclaredMaxOnly bool
	// TableMaxElements caps the number of elements of any table.
	TableMaxElements uint64
	// CompartmentReservationLog2 is log2 of the size and alignment of each
	// compartment's runtime data. It can't change while compartments exist.
	CompartmentReservationLog2 uint
	// MaxCallDepth is the number of nested guest calls raising a stack
	// overflow.
	MaxCallDepth int
}

// DefaultConfig is used until SetConfig is called.
var DefaultConfig = Config{
	Memory32ReservedBytes:      8 << 30,
	Memory64MaxReservedBytes:   1 << 40,
	GuardBytes:                 64 << 10,
	TableMaxElements:           1 << 24,
	CompartmentReservationLog2: 32,
	MaxCallDepth:               10000,
}

var currentConfig atomic.Pointer[Config]

// CurrentConfig returns the configuration objects are created with.
func CurrentConfig() Config {
	if c := currentConfig.Load(); c != nil {
		return *c
	}
	return DefaultConfig
}

// SetConfig replaces the configuration for objects created afterwards.
func SetConfig(c Config) error {
	if c.CompartmentReservationLog2 < 20 || c.CompartmentReservationLog2 > 40 {
		return fmt.Errorf("%w: compartment reservation log2 %d", ErrInvalidArgument, c.CompartmentReservationLog2)
	}
	compartmentIDs.Lock()
	defer compartmentIDs.Unlock()
	if compartmentIDs.ids.Len() > 0 && c.CompartmentReservationLog2 != CurrentConfig().CompartmentReservationLog2 {
		return ErrConfigFrozen
	}
	currentConfig.Store(&c)
	return nil
}
