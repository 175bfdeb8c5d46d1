package wasm

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/metrics"
	"github.com/tetratelabs/wasmrt/internal/platform"
)

const (
	// tableSlotSize is the size of an element in the flat representation.
	tableSlotSize = 8

	// Flat slot values. A zero slot is past the end of the table; the pages
	// committed for a table are zero beyond its last element.
	tableSlotOutOfBounds = 0
	tableSlotNull        = 1
	// tableSlotObject is set in the slot of every non-null element, with the
	// object kind at bit 2 and the interned type id of a function from bit 8.
	tableSlotObject = 2

	// MaxTable32Elements is the maximum size of a table with 32-bit indices.
	MaxTable32Elements = uint64(math.MaxUint32)
)

// TableType is the type of a table. Sizes are in elements.
type TableType struct {
	// ElemType is api.ValueTypeFuncref or api.ValueTypeExternref.
	ElemType  api.ValueType
	Min, Max  uint64
	HasMax    bool
	Shared    bool
	IndexType IndexType
}

func (t TableType) validate() error {
	limit := MaxTable32Elements
	if t.IndexType == IndexTypeI64 {
		limit = math.MaxUint64 / tableSlotSize
	}
	switch {
	case t.ElemType != api.ValueTypeFuncref && t.ElemType != api.ValueTypeExternref:
		return fmt.Errorf("%w: table element type %s", ErrInvalidArgument, api.ValueTypeName(t.ElemType))
	case t.Min > limit || (t.HasMax && t.Max > limit):
		return fmt.Errorf("%w: table size over limit %d", ErrInvalidArgument, limit)
	case t.HasMax && t.Min > t.Max:
		return fmt.Errorf("%w: table min %d > max %d", ErrInvalidArgument, t.Min, t.Max)
	}
	return nil
}

// Table is a table of object references. Generated code reads the flat
// representation written into a guarded region; elements holds the same
// references for the collector.
type Table struct {
	objectHeader
	compartment *Compartment
	id          uint64
	typ         TableType
	quota       *ResourceQuota

	region *platform.Region
	base   unsafe.Pointer
	// endIndex is the number of slots in the reservation, guard pages
	// included.
	endIndex    uint64
	maxElements uint64

	// mu guards elements and resizes. len(elements) is the size of the
	// flat representation.
	mu       sync.RWMutex
	elements []Object
}

// CreateTable reserves a table of typ in c and grows it to typ.Min null
// elements. quota may be nil.
func CreateTable(c *Compartment, typ TableType, name string, quota *ResourceQuota) (*Table, error) {
	barrier.hold()
	defer barrier.unhold()
	return createTable(c, typ, name, quota, nil)
}

func createTable(c *Compartment, typ TableType, name string, quota *ResourceQuota, id *uint64) (*Table, error) {
	if err := typ.validate(); err != nil {
		return nil, err
	}
	cfg := CurrentConfig()
	t := &Table{
		objectHeader: objectHeader{kind: ObjectKindTable, name: name},
		compartment:  c,
		typ:          typ,
		quota:        quota,
		maxElements:  cfg.TableMaxElements,
	}
	if typ.HasMax && typ.Max < t.maxElements {
		t.maxElements = typ.Max
	}
	usable := platform.AlignUp(t.maxElements*tableSlotSize, platform.PageSize())
	guard := platform.AlignUp(cfg.GuardBytes, platform.PageSize())
	region, err := platform.Reserve(usable, guard, platform.RegionKindTable, t)
	if err != nil {
		logging.Named("table").Warn("reserving table",
			zap.String("name", name), zap.Uint64("bytes", usable+guard), zap.Error(err))
		return nil, fmt.Errorf("create table %q: %w", name, err)
	}
	t.region, t.base = region, region.Base()
	t.endIndex = (usable + guard) / tableSlotSize

	c.mu.Lock()
	if id != nil {
		t.id, err = *id, c.tables.InsertAt(*id, t)
	} else {
		t.id, err = c.tables.Add(t)
	}
	if err == nil {
		c.runtimeData.TableBases[t.id] = uintptr(t.base)
	}
	c.mu.Unlock()
	if err != nil {
		_ = region.Release()
		return nil, fmt.Errorf("create table %q: %w", name, err)
	}

	if _, res, _ := t.Grow(typ.Min, nil); res != GrowSuccess {
		t.detach()
		_ = t.release()
		return nil, fmt.Errorf("create table %q: %w: initial %d elements: %s", name, ErrOutOfMemory, typ.Min, res)
	}
	register(t)
	return t, nil
}

// ID is the table's index in its compartment's runtime data.
func (t *Table) ID() uint64 { return t.id }

func (t *Table) Type() TableType { return t.typ }

func (t *Table) Compartment() *Compartment { return t.compartment }

// Base returns the address of the flat representation. It never changes.
func (t *Table) Base() unsafe.Pointer { return t.base }

// Size returns the number of elements.
func (t *Table) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.elements))
}

func (t *Table) slot(index uint64) *uint64 {
	return (*uint64)(unsafe.Add(t.base, index*tableSlotSize))
}

// slotValue returns the flat representation of o.
func (t *Table) slotValue(o Object) (uint64, error) {
	if o == nil {
		return tableSlotNull, nil
	}
	v := uint64(tableSlotObject) | uint64(o.Kind())<<2
	if f, ok := o.(*Function); ok {
		return v | f.typeID<<8, nil
	}
	if t.typ.ElemType == api.ValueTypeFuncref {
		return 0, fmt.Errorf("%w: %s in a funcref table", ErrInvalidArgument, o.Kind())
	}
	return v, nil
}

func committedTableBytes(elements uint64) uint64 {
	return platform.AlignUp(elements*tableSlotSize, platform.PageSize())
}

// Grow appends delta copies of init and returns the previous size. err is
// set if init can't be stored in the table.
func (t *Table) Grow(delta uint64, init Object) (oldElements uint64, result GrowResult, err error) {
	slot, err := t.slotValue(init)
	if err != nil {
		return 0, GrowOutOfMaxSize, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	oldElements = uint64(len(t.elements))
	if delta == 0 {
		return oldElements, GrowSuccess, nil
	}
	if delta > t.maxElements-oldElements {
		return oldElements, GrowOutOfMaxSize, nil
	}
	if !allocateTableElements(t.quota, delta) {
		return oldElements, GrowOutOfQuota, nil
	}
	newElements := oldElements + delta
	if err := t.region.Commit(oldElements*tableSlotSize, newElements*tableSlotSize); err != nil {
		freeTableElements(t.quota, delta)
		logging.Named("table").Warn("committing table elements",
			zap.String("name", t.name), zap.Uint64("elements", newElements), zap.Error(err))
		return oldElements, GrowOutOfMemory, nil
	}
	for i := oldElements; i < newElements; i++ {
		atomic.StoreUint64(t.slot(i), slot)
		t.elements = append(t.elements, init)
	}
	metrics.CommittedBytes.WithLabelValues(platform.RegionKindTable.String()).
		Add(float64(committedTableBytes(newElements) - committedTableBytes(oldElements)))
	return oldElements, GrowSuccess, nil
}

// Shrink removes the last delta elements and returns the previous size.
func (t *Table) Shrink(delta uint64) (oldElements uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	oldElements = uint64(len(t.elements))
	if delta > oldElements {
		return oldElements, fmt.Errorf("%w: shrink by %d elements of %d", ErrInvalidArgument, delta, oldElements)
	}
	newElements := oldElements - delta
	for i := newElements; i < oldElements; i++ {
		atomic.StoreUint64(t.slot(i), tableSlotOutOfBounds)
		t.elements[i] = nil
	}
	t.elements = t.elements[:newElements]
	freeTableElements(t.quota, delta)

	from, to := committedTableBytes(newElements), committedTableBytes(oldElements)
	if from < to {
		if err = t.region.Decommit(from, to); err != nil {
			return oldElements, err
		}
		metrics.CommittedBytes.WithLabelValues(platform.RegionKindTable.String()).Sub(float64(to - from))
	}
	return oldElements, nil
}

// Get returns the element at index, or false if index is out of range.
func (t *Table) Get(index uint64) (Object, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if index >= uint64(len(t.elements)) {
		return nil, false
	}
	return t.elements[index], true
}

// Set stores o at index.
func (t *Table) Set(index uint64, o Object) error {
	slot, err := t.slotValue(o)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= uint64(len(t.elements)) {
		return fmt.Errorf("%w: index %d of table size %d", ErrOutOfBounds, index, len(t.elements))
	}
	t.elements[index] = o
	atomic.StoreUint64(t.slot(index), slot)
	return nil
}

// ResolveIndirect is the guest path of call_indirect: it reads the flat slot
// at index, faulting past the committed pages, and checks the element is a
// function of the expected type. It must run under CatchRuntimeExceptions.
func (t *Table) ResolveIndirect(index, typeID uint64) *Function {
	if index >= t.endIndex {
		ThrowException(TrapOutOfBoundsTableAccess, t.id, index)
	}
	switch slot := atomic.LoadUint64(t.slot(index)); {
	case slot == tableSlotOutOfBounds:
		ThrowException(TrapOutOfBoundsTableAccess, t.id, index)
	case slot == tableSlotNull:
		ThrowException(TrapUndefinedTableElement, t.id, index)
	case slot>>8 != typeID:
		ThrowException(TrapIndirectCallSignatureMismatch, index, typeID)
	}

	t.mu.RLock()
	var f *Function
	if index < uint64(len(t.elements)) {
		f, _ = t.elements[index].(*Function)
	}
	t.mu.RUnlock()
	if f == nil {
		// Shrunk or overwritten since the slot was read.
		ThrowException(TrapUndefinedTableElement, t.id, index)
	}
	return f
}

func (t *Table) children(visit func(Object)) {
	visit(t.compartment)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, o := range t.elements {
		if o != nil {
			visit(o)
		}
	}
}

func (t *Table) detach() {
	c := t.compartment
	if c.finalized.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables.Remove(t.id)
	c.runtimeData.TableBases[t.id] = 0
}

func (t *Table) finalize() {
	t.detach()
}

func (t *Table) release() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := uint64(len(t.elements))
	freeTableElements(t.quota, n)
	metrics.CommittedBytes.WithLabelValues(platform.RegionKindTable.String()).Sub(float64(committedTableBytes(n)))
	t.elements = nil
	return t.region.Release()
}
