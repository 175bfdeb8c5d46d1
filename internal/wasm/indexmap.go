package wasm

import "fmt"

// IndexMap assigns small dense ids to the objects of one kind in a
// compartment. The references it holds are weak: objects remove themselves
// when finalized.
//
// An id is stable for the lifetime of its object. A freed id is only handed
// out again once no live object holds a higher one, and the backing array
// never shrinks.
type IndexMap[T comparable] struct {
	items []T
	// end is one past the highest live id.
	end   int
	count int
	max   int
}

func newIndexMap[T comparable](max int) IndexMap[T] {
	return IndexMap[T]{max: max}
}

// Add stores v at the lowest id above every live one.
func (m *IndexMap[T]) Add(v T) (uint64, error) {
	if m.end >= m.max {
		return 0, fmt.Errorf("%w: at most %d", ErrIDSpaceExhausted, m.max)
	}
	id := uint64(m.end)
	return id, m.InsertAt(id, v)
}

// InsertAt stores v at id, which must be free.
func (m *IndexMap[T]) InsertAt(id uint64, v T) error {
	if id >= uint64(m.max) {
		return fmt.Errorf("%w: id %d, at most %d", ErrIDSpaceExhausted, id, m.max)
	}
	var zero T
	for uint64(len(m.items)) <= id {
		m.items = append(m.items, zero)
	}
	if m.items[id] != zero {
		return fmt.Errorf("%w: id %d in use", ErrInvalidArgument, id)
	}
	m.items[id] = v
	m.count++
	if int(id) >= m.end {
		m.end = int(id) + 1
	}
	return nil
}

// Remove frees id.
func (m *IndexMap[T]) Remove(id uint64) {
	var zero T
	if id >= uint64(len(m.items)) || m.items[id] == zero {
		return
	}
	m.items[id] = zero
	m.count--
	for m.end > 0 && m.items[m.end-1] == zero {
		m.end--
	}
}

// Get returns the object at id, if any.
func (m *IndexMap[T]) Get(id uint64) (v T, ok bool) {
	var zero T
	if id >= uint64(len(m.items)) || m.items[id] == zero {
		return zero, false
	}
	return m.items[id], true
}

// Len returns the number of live ids.
func (m *IndexMap[T]) Len() int {
	return m.count
}

// Cap returns the length of the backing array, which only grows.
func (m *IndexMap[T]) Cap() int {
	return len(m.items)
}

// Range calls f for each live id in ascending order until f returns false.
func (m *IndexMap[T]) Range(f func(id uint64, v T) bool) {
	var zero T
	for id, v := range m.items[:m.end] {
		if v != zero && !f(uint64(id), v) {
			return
		}
	}
}
