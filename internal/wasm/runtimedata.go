package wasm

import (
	"sync"
	"unsafe"
)

// Layout of the runtime data generated code reads directly.
//
// Each compartment reserves one region whose size and alignment are
// 1<<Config.CompartmentReservationLog2. It starts with a
// CompartmentRuntimeData, followed by one ContextRuntimeData slot per
// context id. A context's lane pointer is the address of its slot, so
// masking off the low bits of a lane pointer yields the compartment's
// runtime data.
const (
	// MaxMemories is the number of memory ids per compartment.
	MaxMemories = 255
	// MaxTables is the number of table ids per compartment.
	MaxTables = 128
	// MaxExceptionTypes is the number of exception type ids per compartment.
	MaxExceptionTypes = 1 << 16
	// MaxGlobals is the number of global ids per compartment.
	MaxGlobals = 1 << 16

	// ContextRuntimeDataSize is the size of each context's slot.
	ContextRuntimeDataSize = 4096
	// MaxThunkArgAndReturnBytes is the size of the scratch buffer for
	// arguments and results passed through memory.
	MaxThunkArgAndReturnBytes = 256
	// MaxMutableGlobals is the number of mutable globals per compartment.
	MaxMutableGlobals = (ContextRuntimeDataSize - MaxThunkArgAndReturnBytes) / 8
)

// MemoryRuntimeData is the slot of one memory id.
type MemoryRuntimeData struct {
	// Base is the address of byte zero, or zero if the id is free.
	Base uintptr
	// NumPages is the current size in pages.
	NumPages uint64
	// EndAddress is the size of the reservation, guard pages included.
	// Accesses ending past it must be checked in software.
	EndAddress uint64
}

// CompartmentRuntimeData is the header of a compartment's runtime data.
type CompartmentRuntimeData struct {
	CompartmentID uint64
	Memories      [MaxMemories]MemoryRuntimeData
	// TableBases holds the address of element zero of each table id.
	TableBases [MaxTables]uintptr
}

// ContextRuntimeData is the slot of one context id.
type ContextRuntimeData struct {
	ThunkArgAndReturnData [MaxThunkArgAndReturnBytes]byte
	MutableGlobals        [MaxMutableGlobals]uint64
}

// contextsOffset is where slot zero starts.
var contextsOffset = (uint64(unsafe.Sizeof(CompartmentRuntimeData{})) + ContextRuntimeDataSize - 1) &^ (ContextRuntimeDataSize - 1)

// ContextRuntimeData must fill its slot exactly.
var (
	_ [ContextRuntimeDataSize - unsafe.Sizeof(ContextRuntimeData{})]struct{}
	_ [unsafe.Sizeof(ContextRuntimeData{}) - ContextRuntimeDataSize]struct{}
)

// compartmentIDs resolves the id in a compartment's runtime data to the
// compartment.
var compartmentIDs = struct {
	sync.Mutex
	ids IndexMap[*Compartment]
}{ids: newIndexMap[*Compartment](1 << 20)}

func compartmentByID(id uint64) (*Compartment, bool) {
	compartmentIDs.Lock()
	defer compartmentIDs.Unlock()
	return compartmentIDs.ids.Get(id)
}

func compartmentRuntimeDataFromLane(lane unsafe.Pointer) *CompartmentRuntimeData {
	mask := uintptr(1)<<CurrentConfig().CompartmentReservationLog2 - 1
	return (*CompartmentRuntimeData)(unsafe.Pointer(uintptr(lane) &^ mask))
}

// ContextFromLane returns the context whose lane pointer is lane, as passed
// to a NativeFunc.
func ContextFromLane(lane unsafe.Pointer) *Context {
	crd := compartmentRuntimeDataFromLane(lane)
	c, ok := compartmentByID(crd.CompartmentID)
	if !ok {
		panic("BUG: lane pointer of an unknown compartment")
	}
	id := (uint64(uintptr(lane)-uintptr(unsafe.Pointer(crd))) - contextsOffset) / ContextRuntimeDataSize
	ctx, ok := c.Context(id)
	if !ok {
		panic("BUG: lane pointer of an unknown context")
	}
	return ctx
}
