package wasm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/metrics"
	"github.com/tetratelabs/wasmrt/internal/platform"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	MemoryPageSize = uint64(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
	// MaxMemory32Pages is the maximum size of a memory with 32-bit indices.
	MaxMemory32Pages = uint64(1) << 16
	// MaxMemory64Pages is the maximum size of a memory with 64-bit indices.
	MaxMemory64Pages = uint64(1) << 48
)

// IndexType is the type of the addresses of a memory or the indices of a
// table.
type IndexType uint8

const (
	IndexTypeI32 IndexType = iota
	IndexTypeI64
)

func (t IndexType) String() string {
	if t == IndexTypeI64 {
		return "i64"
	}
	return "i32"
}

// MemoryType is the type of a linear memory. Sizes are in pages.
type MemoryType struct {
	Min, Max uint64
	// HasMax is false if the memory may grow to the limit of its index type.
	HasMax    bool
	Shared    bool
	IndexType IndexType
}

func (t MemoryType) limit() uint64 {
	if t.IndexType == IndexTypeI64 {
		return MaxMemory64Pages
	}
	return MaxMemory32Pages
}

func (t MemoryType) validate() error {
	switch {
	case t.Min > t.limit():
		return fmt.Errorf("%w: memory min %d pages over limit %d", ErrInvalidArgument, t.Min, t.limit())
	case t.HasMax && t.Max > t.limit():
		return fmt.Errorf("%w: memory max %d pages over limit %d", ErrInvalidArgument, t.Max, t.limit())
	case t.HasMax && t.Min > t.Max:
		return fmt.Errorf("%w: memory min %d > max %d", ErrInvalidArgument, t.Min, t.Max)
	case t.Shared && !t.HasMax:
		return fmt.Errorf("%w: shared memory without max", ErrInvalidArgument)
	}
	return nil
}

func (t MemoryType) String() string {
	s := fmt.Sprintf("%s {min %d", t.IndexType, t.Min)
	if t.HasMax {
		s += fmt.Sprintf(", max %d", t.Max)
	}
	if t.Shared {
		s += ", shared"
	}
	return s + "}"
}

// GrowResult is the outcome of growing a memory or table. Failures leave the
// size unchanged.
type GrowResult uint8

const (
	GrowSuccess GrowResult = iota
	// GrowOutOfMaxSize means the new size would exceed the declared maximum
	// or the reservation.
	GrowOutOfMaxSize
	// GrowOutOfMemory means the new pages couldn't be committed.
	GrowOutOfMemory
	// GrowOutOfQuota means the resource quota is exhausted.
	GrowOutOfQuota
)

func (r GrowResult) String() string {
	switch r {
	case GrowSuccess:
		return "success"
	case GrowOutOfMaxSize:
		return "out of max size"
	case GrowOutOfMemory:
		return "out of memory"
	case GrowOutOfQuota:
		return "out of quota"
	}
	return fmt.Sprintf("GrowResult(%d)", uint8(r))
}

// Memory is a linear memory. Its bytes live at a fixed base address inside
// a guarded region reserved up front, so growing never moves them and an
// access past the committed pages faults.
type Memory struct {
	objectHeader
	compartment *Compartment
	id          uint64
	typ         MemoryType
	quota       *ResourceQuota

	region *platform.Region
	base   unsafe.Pointer
	// endAddress is the size of the reservation, guard pages included.
	endAddress uint64
	// maxPages is the smaller of the declared maximum and the reservation.
	maxPages uint64

	// resizeMu serializes Grow and Shrink.
	resizeMu sync.Mutex
	numPages atomic.Uint64

	runtimeData *MemoryRuntimeData
}

// memoryReservation returns the usable and guard extents to reserve for typ.
func memoryReservation(cfg Config, typ MemoryType) (usable, guard uint64) {
	guard = cfg.GuardBytes
	switch typ.IndexType {
	case IndexTypeI64:
		usable = cfg.Memory64MaxReservedBytes
		if typ.HasMax && typ.Max < usable>>MemoryPageSizeInBits {
			usable = typ.Max << MemoryPageSizeInBits
		}
	default:
		usable = MaxMemory32Pages << MemoryPageSizeInBits
		if cfg.ReserveDeclaredMaxOnly && typ.HasMax {
			usable = typ.Max << MemoryPageSizeInBits
		}
		if cfg.Memory32ReservedBytes > usable+guard {
			guard = cfg.Memory32ReservedBytes - usable
		}
	}
	return usable, platform.AlignUp(guard, platform.PageSize())
}

// CreateMemory reserves a memory of typ in c and grows it to typ.Min pages.
// quota may be nil.
func CreateMemory(c *Compartment, typ MemoryType, name string, quota *ResourceQuota) (*Memory, error) {
	barrier.hold()
	defer barrier.unhold()
	return createMemory(c, typ, name, quota, nil)
}

func createMemory(c *Compartment, typ MemoryType, name string, quota *ResourceQuota, id *uint64) (*Memory, error) {
	if err := typ.validate(); err != nil {
		return nil, err
	}
	m := &Memory{
		objectHeader: objectHeader{kind: ObjectKindMemory, name: name},
		compartment:  c,
		typ:          typ,
		quota:        quota,
	}

	usable, guard := memoryReservation(CurrentConfig(), typ)
	region, err := platform.Reserve(usable, guard, platform.RegionKindMemory, m)
	if err != nil {
		logging.Named("memory").Warn("reserving memory",
			zap.String("name", name), zap.Uint64("bytes", usable+guard), zap.Error(err))
		return nil, fmt.Errorf("create memory %q: %w", name, err)
	}
	m.region, m.base = region, region.Base()
	m.endAddress = usable + guard
	m.maxPages = usable >> MemoryPageSizeInBits
	if typ.HasMax && typ.Max < m.maxPages {
		m.maxPages = typ.Max
	}

	c.mu.Lock()
	if id != nil {
		m.id, err = *id, c.memories.InsertAt(*id, m)
	} else {
		m.id, err = c.memories.Add(m)
	}
	if err == nil {
		m.runtimeData = &c.runtimeData.Memories[m.id]
		m.runtimeData.Base = uintptr(m.base)
		m.runtimeData.EndAddress = m.endAddress
		atomic.StoreUint64(&m.runtimeData.NumPages, 0)
	}
	c.mu.Unlock()
	if err != nil {
		_ = region.Release()
		return nil, fmt.Errorf("create memory %q: %w", name, err)
	}

	if _, res := m.Grow(typ.Min); res != GrowSuccess {
		m.detach()
		_ = m.release()
		return nil, fmt.Errorf("create memory %q: %w: initial %d pages: %s", name, ErrOutOfMemory, typ.Min, res)
	}
	register(m)
	return m, nil
}

// ID is the memory's index in its compartment's runtime data.
func (m *Memory) ID() uint64 { return m.id }

func (m *Memory) Type() MemoryType { return m.typ }

func (m *Memory) Compartment() *Compartment { return m.compartment }

// NumPages returns the current size in pages.
func (m *Memory) NumPages() uint64 { return m.numPages.Load() }

// MaxPages returns the size Grow can't exceed.
func (m *Memory) MaxPages() uint64 { return m.maxPages }

// Base returns the address of byte zero. It never changes.
func (m *Memory) Base() unsafe.Pointer { return m.base }

// ReservedBytes returns the size of the reservation, guard pages included.
func (m *Memory) ReservedBytes() uint64 { return m.endAddress }

// Bytes returns a view of the committed bytes. The view doesn't follow later
// growth, and must not outlive the memory.
func (m *Memory) Bytes() []byte {
	return m.region.Slice(0, m.numPages.Load()<<MemoryPageSizeInBits)
}

// Grow adds delta pages and returns the previous size. The new pages read as
// zero.
func (m *Memory) Grow(delta uint64) (oldPages uint64, result GrowResult) {
	m.resizeMu.Lock()
	defer m.resizeMu.Unlock()

	oldPages = m.numPages.Load()
	if delta == 0 {
		return oldPages, GrowSuccess
	}
	if delta > m.maxPages-oldPages {
		return oldPages, GrowOutOfMaxSize
	}
	if !allocateMemoryPages(m.quota, delta) {
		return oldPages, GrowOutOfQuota
	}
	newPages := oldPages + delta
	if err := m.region.Commit(oldPages<<MemoryPageSizeInBits, newPages<<MemoryPageSizeInBits); err != nil {
		freeMemoryPages(m.quota, delta)
		logging.Named("memory").Warn("committing memory pages",
			zap.String("name", m.name), zap.Uint64("pages", newPages), zap.Error(err))
		return oldPages, GrowOutOfMemory
	}
	m.setNumPages(newPages)
	metrics.CommittedBytes.WithLabelValues(platform.RegionKindMemory.String()).Add(float64(delta << MemoryPageSizeInBits))
	return oldPages, GrowSuccess
}

// Shrink removes delta pages and returns the previous size. The contents of
// the removed pages are lost.
func (m *Memory) Shrink(delta uint64) (oldPages uint64, err error) {
	m.resizeMu.Lock()
	defer m.resizeMu.Unlock()

	oldPages = m.numPages.Load()
	if delta > oldPages {
		return oldPages, fmt.Errorf("%w: shrink by %d pages of %d", ErrInvalidArgument, delta, oldPages)
	}
	if delta == 0 {
		return oldPages, nil
	}
	newPages := oldPages - delta
	// The size drops first so no access is bounded by pages being decommitted.
	m.setNumPages(newPages)
	if err = m.region.Decommit(newPages<<MemoryPageSizeInBits, oldPages<<MemoryPageSizeInBits); err != nil {
		m.setNumPages(oldPages)
		return oldPages, err
	}
	freeMemoryPages(m.quota, delta)
	metrics.CommittedBytes.WithLabelValues(platform.RegionKindMemory.String()).Sub(float64(delta << MemoryPageSizeInBits))
	return oldPages, nil
}

func (m *Memory) setNumPages(n uint64) {
	m.numPages.Store(n)
	if m.runtimeData != nil {
		atomic.StoreUint64(&m.runtimeData.NumPages, n)
	}
}

// ValidatedRange returns the committed bytes [offset, offset+n), throwing an
// out-of-bounds exception if any of them is past the current size. It is the
// host-side check for code that can't rely on guard pages.
func (m *Memory) ValidatedRange(offset, n uint64) []byte {
	size := m.numPages.Load() << MemoryPageSizeInBits
	if offset > size || n > size-offset {
		throwOutOfBoundsMemoryAccess(m, offset)
	}
	return m.region.Slice(offset, offset+n)
}

// hasSize returns true if Len is sufficient for byteCount at the given offset.
func (m *Memory) hasSize(offset, byteCount uint64) bool {
	size := m.numPages.Load() << MemoryPageSizeInBits
	return offset <= size && byteCount <= size-offset
}

// Read returns a view of byteCount bytes at offset, or false if out of range.
func (m *Memory) Read(offset, byteCount uint64) ([]byte, bool) {
	if !m.hasSize(offset, byteCount) {
		return nil, false
	}
	return m.region.Slice(offset, offset+byteCount), true
}

// Write copies val to offset, or returns false if out of range.
func (m *Memory) Write(offset uint64, val []byte) bool {
	if !m.hasSize(offset, uint64(len(val))) {
		return false
	}
	copy(m.region.Slice(offset, offset+uint64(len(val))), val)
	return true
}

// ReadUint32Le reads a little-endian uint32, or returns false if out of range.
func (m *Memory) ReadUint32Le(offset uint64) (uint32, bool) {
	b, ok := m.Read(offset, 4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// WriteUint32Le writes a little-endian uint32, or returns false if out of range.
func (m *Memory) WriteUint32Le(offset uint64, v uint32) bool {
	b, ok := m.Read(offset, 4)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint32(b, v)
	return true
}

// ReadUint64Le reads a little-endian uint64, or returns false if out of range.
func (m *Memory) ReadUint64Le(offset uint64) (uint64, bool) {
	b, ok := m.Read(offset, 8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// WriteUint64Le writes a little-endian uint64, or returns false if out of range.
func (m *Memory) WriteUint64Le(offset uint64, v uint64) bool {
	b, ok := m.Read(offset, 8)
	if !ok {
		return false
	}
	binary.LittleEndian.PutUint64(b, v)
	return true
}

// The accessors below are the guest path: like generated code they don't
// compare against the current size. An access past the committed pages
// faults into a guard page, so they must run under CatchRuntimeExceptions.
// Only an access ending past the whole reservation is checked in software.

func (m *Memory) pointer(addr, size uint64) unsafe.Pointer {
	if addr > m.endAddress-size {
		throwOutOfBoundsMemoryAccess(m, addr)
	}
	return unsafe.Add(m.base, addr)
}

func (m *Memory) view(addr, size uint64) []byte {
	return unsafe.Slice((*byte)(m.pointer(addr, size)), size)
}

func (m *Memory) Load8(addr uint64) uint8 { return *(*uint8)(m.pointer(addr, 1)) }

func (m *Memory) Store8(addr uint64, v uint8) { *(*uint8)(m.pointer(addr, 1)) = v }

func (m *Memory) Load16(addr uint64) uint16 { return binary.LittleEndian.Uint16(m.view(addr, 2)) }

func (m *Memory) Store16(addr uint64, v uint16) { binary.LittleEndian.PutUint16(m.view(addr, 2), v) }

func (m *Memory) Load32(addr uint64) uint32 { return binary.LittleEndian.Uint32(m.view(addr, 4)) }

func (m *Memory) Store32(addr uint64, v uint32) { binary.LittleEndian.PutUint32(m.view(addr, 4), v) }

func (m *Memory) Load64(addr uint64) uint64 { return binary.LittleEndian.Uint64(m.view(addr, 8)) }

func (m *Memory) Store64(addr uint64, v uint64) { binary.LittleEndian.PutUint64(m.view(addr, 8), v) }

func (m *Memory) LoadF32(addr uint64) float32 { return math.Float32frombits(m.Load32(addr)) }

func (m *Memory) LoadF64(addr uint64) float64 { return math.Float64frombits(m.Load64(addr)) }

// atomicPointer checks the natural alignment atomic accesses require.
func (m *Memory) atomicPointer(addr, size uint64) unsafe.Pointer {
	if addr&(size-1) != 0 {
		ThrowException(TrapMisalignedAtomicMemoryAccess, addr)
	}
	return m.pointer(addr, size)
}

func (m *Memory) AtomicLoad32(addr uint64) uint32 {
	return atomic.LoadUint32((*uint32)(m.atomicPointer(addr, 4)))
}

func (m *Memory) AtomicStore32(addr uint64, v uint32) {
	atomic.StoreUint32((*uint32)(m.atomicPointer(addr, 4)), v)
}

func (m *Memory) AtomicLoad64(addr uint64) uint64 {
	return atomic.LoadUint64((*uint64)(m.atomicPointer(addr, 8)))
}

func (m *Memory) AtomicStore64(addr uint64, v uint64) {
	atomic.StoreUint64((*uint64)(m.atomicPointer(addr, 8)), v)
}

// AtomicAdd32 adds delta and returns the previous value.
func (m *Memory) AtomicAdd32(addr uint64, delta uint32) uint32 {
	return atomic.AddUint32((*uint32)(m.atomicPointer(addr, 4)), delta) - delta
}

func throwOutOfBoundsMemoryAccess(m *Memory, addr uint64) {
	ThrowException(TrapOutOfBoundsMemoryAccess, m.id, addr)
}

func (m *Memory) children(visit func(Object)) {
	visit(m.compartment)
}

// detach clears the memory's entry in its compartment.
func (m *Memory) detach() {
	c := m.compartment
	if c.finalized.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memories.Remove(m.id)
	*m.runtimeData = MemoryRuntimeData{}
}

func (m *Memory) finalize() {
	m.detach()
}

func (m *Memory) release() error {
	pages := m.numPages.Load()
	freeMemoryPages(m.quota, pages)
	metrics.CommittedBytes.WithLabelValues(platform.RegionKindMemory.String()).Sub(float64(pages << MemoryPageSizeInBits))
	m.numPages.Store(0)
	return m.region.Release()
}
