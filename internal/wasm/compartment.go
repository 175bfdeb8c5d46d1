package wasm

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tetratelabs/wasmrt/internal/platform"
)

// Compartment is an isolation domain. Memories, tables, globals, exception
// types and contexts belong to exactly one compartment, which assigns each a
// small id and holds a weak reference to it.
type Compartment struct {
	objectHeader
	id uint64

	// mu guards the id maps and the mutable global slots.
	mu             sync.Mutex
	memories       IndexMap[*Memory]
	tables         IndexMap[*Table]
	globals        IndexMap[*Global]
	exceptionTypes IndexMap[*ExceptionType]
	contexts       IndexMap[*Context]
	// mutableGlobalSlots is a bitmap of allocated MutableGlobals indices.
	mutableGlobalSlots [(MaxMutableGlobals + 63) / 64]uint64
	// initialMutableGlobals are copied into every new context.
	initialMutableGlobals [MaxMutableGlobals]uint64

	runtimeDataRegion *platform.Region
	runtimeData       *CompartmentRuntimeData

	intrinsics *Module

	finalized atomic.Bool
}

// CreateCompartment returns a new compartment with its intrinsics module.
func CreateCompartment(name string) (*Compartment, error) {
	barrier.hold()
	defer barrier.unhold()

	cfg := CurrentConfig()
	size := uint64(1) << cfg.CompartmentReservationLog2
	maxContexts := (size - contextsOffset) / ContextRuntimeDataSize

	c := &Compartment{
		objectHeader:   objectHeader{kind: ObjectKindCompartment, name: name},
		memories:       newIndexMap[*Memory](MaxMemories),
		tables:         newIndexMap[*Table](MaxTables),
		globals:        newIndexMap[*Global](MaxGlobals),
		exceptionTypes: newIndexMap[*ExceptionType](MaxExceptionTypes),
		contexts:       newIndexMap[*Context](int(maxContexts)),
	}

	region, err := platform.ReserveAligned(size, platform.PageSize(), size, platform.RegionKindRuntimeData, c)
	if err != nil {
		return nil, fmt.Errorf("create compartment %q: %w", name, err)
	}
	if err = region.Commit(0, contextsOffset); err != nil {
		_ = region.Release()
		return nil, fmt.Errorf("create compartment %q: %w", name, err)
	}
	c.runtimeDataRegion = region
	c.runtimeData = (*CompartmentRuntimeData)(region.Base())

	compartmentIDs.Lock()
	c.id, err = compartmentIDs.ids.Add(c)
	compartmentIDs.Unlock()
	if err != nil {
		_ = region.Release()
		return nil, fmt.Errorf("create compartment %q: %w", name, err)
	}
	c.runtimeData.CompartmentID = c.id

	register(c)
	c.intrinsics = newIntrinsicsModule(c)
	return c, nil
}

// ID is unique among live compartments.
func (c *Compartment) ID() uint64 { return c.id }

// RuntimeData returns the header generated code reads memory and table bases
// from.
func (c *Compartment) RuntimeData() *CompartmentRuntimeData { return c.runtimeData }

// Memory returns the memory with id, if it is alive.
func (c *Compartment) Memory(id uint64) (*Memory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.memories.Get(id)
}

// Table returns the table with id, if it is alive.
func (c *Compartment) Table(id uint64) (*Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tables.Get(id)
}

// Global returns the global with id, if it is alive.
func (c *Compartment) Global(id uint64) (*Global, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globals.Get(id)
}

// ExceptionType returns the exception type with id, if it is alive.
func (c *Compartment) ExceptionType(id uint64) (*ExceptionType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exceptionTypes.Get(id)
}

// Context returns the context with id, if it is alive.
func (c *Compartment) Context(id uint64) (*Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts.Get(id)
}

// NumContexts returns the number of live contexts.
func (c *Compartment) NumContexts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contexts.Len()
}

// Intrinsic returns the intrinsic function exported as name.
func (c *Compartment) Intrinsic(name string) (*Function, bool) {
	return c.intrinsics.ExportedFunction(name)
}

// allocateMutableGlobal reserves a MutableGlobals index and sets its initial
// value in every context. index, if not nil, requests a specific slot.
// c.mu must be held.
func (c *Compartment) allocateMutableGlobal(index *uint32, initial uint64) (uint32, error) {
	var slot uint32
	if index != nil {
		slot = *index
		if slot >= MaxMutableGlobals || c.mutableGlobalSlots[slot/64]&(1<<(slot%64)) != 0 {
			return 0, fmt.Errorf("%w: mutable global slot %d", ErrInvalidArgument, slot)
		}
	} else {
		found := false
		for i, word := range c.mutableGlobalSlots {
			if free := ^word; free != 0 {
				slot = uint32(i*64 + bits.TrailingZeros64(free))
				found = slot < MaxMutableGlobals
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: at most %d mutable globals", ErrIDSpaceExhausted, MaxMutableGlobals)
		}
	}
	c.mutableGlobalSlots[slot/64] |= 1 << (slot % 64)
	c.initialMutableGlobals[slot] = initial
	c.contexts.Range(func(_ uint64, ctx *Context) bool {
		ctx.runtimeData.MutableGlobals[slot] = initial
		return true
	})
	return slot, nil
}

// freeMutableGlobal releases a slot. c.mu must be held.
func (c *Compartment) freeMutableGlobal(slot uint32) {
	c.mutableGlobalSlots[slot/64] &^= 1 << (slot % 64)
	c.initialMutableGlobals[slot] = 0
}

func (c *Compartment) contextSlot(id uint64) (offset uint64, rd *ContextRuntimeData) {
	offset = contextsOffset + id*ContextRuntimeDataSize
	return offset, (*ContextRuntimeData)(unsafe.Add(c.runtimeDataRegion.Base(), offset))
}

func (c *Compartment) children(visit func(Object)) {
	if c.intrinsics != nil {
		visit(c.intrinsics)
	}
}

// finalize marks the compartment dead, so objects finalized in the same
// collection skip clearing their entries in it.
func (c *Compartment) finalize() {
	c.finalized.Store(true)
	compartmentIDs.Lock()
	compartmentIDs.ids.Remove(c.id)
	compartmentIDs.Unlock()
}

func (c *Compartment) release() error {
	return c.runtimeDataRegion.Release()
}
