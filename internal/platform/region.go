package platform

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"
)

// RegionKind tags what a Region backs, so a fault inside it can be classified.
type RegionKind uint8

const (
	RegionKindMemory RegionKind = iota + 1
	RegionKindTable
	RegionKindRuntimeData
)

func (k RegionKind) String() string {
	switch k {
	case RegionKindMemory:
		return "memory"
	case RegionKindTable:
		return "table"
	case RegionKindRuntimeData:
		return "runtime data"
	}
	return fmt.Sprintf("RegionKind(%d)", uint8(k))
}

// Region is a reserved range of virtual address space: a usable extent that
// may be committed page by page, followed by guard pages that never are.
//
// The base address is fixed from Reserve until Release.
type Region struct {
	id     uint64
	kind   RegionKind
	owner  any
	base   unsafe.Pointer
	usable uint64
	guard  uint64

	// mu serializes Commit, Decommit and Release.
	mu       sync.Mutex
	released atomic.Bool
}

// arena maps addresses to live regions. byBase is sorted by base address.
var arena struct {
	sync.RWMutex
	nextID uint64
	byBase []*Region
}

// Reserve reserves usableBytes of address space followed by at least
// guardBytes of guard pages. Both are rounded up to PageSize. Nothing is
// committed: every access faults until Commit.
//
// owner is returned by Owner and is how fault classification maps an address
// back to the object the region belongs to.
func Reserve(usableBytes, guardBytes uint64, kind RegionKind, owner any) (*Region, error) {
	return ReserveAligned(usableBytes, guardBytes, pageSize, kind, owner)
}

// ReserveAligned is like Reserve, but the base address is a multiple of align,
// which must be a power of two.
func ReserveAligned(usableBytes, guardBytes, align uint64, kind RegionKind, owner any) (*Region, error) {
	if align < pageSize {
		align = pageSize
	}
	usable := AlignUp(usableBytes, pageSize)
	guard := AlignUp(guardBytes, pageSize)
	if guard == 0 {
		guard = pageSize
	}
	total := usable + guard
	if total < usable { // overflow
		return nil, fmt.Errorf("%w: %d bytes", ErrReserve, usableBytes)
	}
	base, err := reserve(total, align)
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes: %v", ErrReserve, total, err)
	}
	r := &Region{kind: kind, owner: owner, base: base, usable: usable, guard: guard}
	register(r)
	return r, nil
}

func register(r *Region) {
	arena.Lock()
	defer arena.Unlock()
	arena.nextID++
	r.id = arena.nextID
	b := uintptr(r.base)
	i := sort.Search(len(arena.byBase), func(i int) bool { return uintptr(arena.byBase[i].base) > b })
	arena.byBase = append(arena.byBase, nil)
	copy(arena.byBase[i+1:], arena.byBase[i:])
	arena.byBase[i] = r
}

func unregister(r *Region) {
	arena.Lock()
	defer arena.Unlock()
	for i, candidate := range arena.byBase {
		if candidate == r {
			arena.byBase = append(arena.byBase[:i], arena.byBase[i+1:]...)
			return
		}
	}
}

// Lookup returns the live region whose reservation, guard pages included,
// contains addr.
func Lookup(addr uintptr) (*Region, bool) {
	arena.RLock()
	defer arena.RUnlock()
	i := sort.Search(len(arena.byBase), func(i int) bool { return uintptr(arena.byBase[i].base) > addr })
	if i == 0 {
		return nil, false
	}
	if r := arena.byBase[i-1]; r.Contains(addr) {
		return r, true
	}
	return nil, false
}

// NumRegions returns the count of live regions.
func NumRegions() int {
	arena.RLock()
	defer arena.RUnlock()
	return len(arena.byBase)
}

// ID is unique among all regions reserved by this process.
func (r *Region) ID() uint64 { return r.id }

func (r *Region) Kind() RegionKind { return r.kind }

func (r *Region) Owner() any { return r.owner }

// Base is the first byte of the usable extent.
func (r *Region) Base() unsafe.Pointer { return r.base }

// Usable is the length in bytes of the part of the reservation that may be committed.
func (r *Region) Usable() uint64 { return r.usable }

// Guard is the length in bytes of the guard pages following the usable extent.
func (r *Region) Guard() uint64 { return r.guard }

// Contains returns true if addr is inside the reservation, including the guard pages.
func (r *Region) Contains(addr uintptr) bool {
	b := uintptr(r.base)
	return addr >= b && uint64(addr-b) < r.usable+r.guard
}

// Offset returns addr relative to Base. addr must satisfy Contains.
func (r *Region) Offset(addr uintptr) uint64 {
	return uint64(addr - uintptr(r.base))
}

// Commit makes the pages overlapping [from, to) readable and writable. On
// failure nothing changes.
func (r *Region) Commit(from, to uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from, to, err := r.pageRange(from, to)
	if err != nil || from == to {
		return err
	}
	if err = commit(unsafe.Add(r.base, from), to-from); err != nil {
		return fmt.Errorf("%w: %d bytes at offset %d: %v", ErrCommit, to-from, from, err)
	}
	return nil
}

// Decommit returns the pages overlapping [from, to) to the guard state. Their
// contents are unspecified if they are committed again.
func (r *Region) Decommit(from, to uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	from, to, err := r.pageRange(from, to)
	if err != nil || from == to {
		return err
	}
	return decommit(unsafe.Add(r.base, from), to-from)
}

func (r *Region) pageRange(from, to uint64) (uint64, uint64, error) {
	if r.released.Load() {
		return 0, 0, ErrReleased
	}
	if from > to || to > r.usable {
		return 0, 0, fmt.Errorf("%w: [%d, %d) of %d", ErrRange, from, to, r.usable)
	}
	return AlignDown(from, pageSize), AlignUp(to, pageSize), nil
}

// Slice returns a view of [from, to). The range must be committed for the
// view to be accessed without faulting, and the view must not be used after
// Release.
func (r *Region) Slice(from, to uint64) []byte {
	if from == to {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(r.base, from)), to-from)
}

// Release unmaps the entire reservation, guard pages included. Calling it
// more than once is a no-op.
func (r *Region) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.released.CompareAndSwap(false, true) {
		return nil
	}
	unregister(r)
	return release(r.base, r.usable+r.guard)
}
