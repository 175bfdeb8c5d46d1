package wasm

import "sync/atomic"

// AddRoot keeps o alive until a matching RemoveRoot. Changing roots is safe
// concurrently with guest execution and with CollectGarbage.
func AddRoot(o Object) {
	o.header().rootCount.Add(1)
}

// RemoveRoot drops a root added by AddRoot.
func RemoveRoot(o Object) {
	if o.header().rootCount.Add(-1) < 0 {
		panic("BUG: root count of " + o.Kind().String() + " " + o.Name() + " is negative")
	}
}

// RootCount returns the number of roots held on o.
func RootCount(o Object) int64 {
	return o.header().rootCount.Load()
}

// Handle is a durable reference that keeps its object alive across
// collections until Release.
type Handle[T Object] struct {
	obj      T
	released atomic.Bool
}

// NewHandle roots o and returns a handle owning that root.
func NewHandle[T Object](o T) *Handle[T] {
	AddRoot(o)
	return &Handle[T]{obj: o}
}

// Get returns the object. It must not be used after Release unless the
// object is reachable some other way.
func (h *Handle[T]) Get() T {
	return h.obj
}

// Clone returns a new handle on the same object.
func (h *Handle[T]) Clone() *Handle[T] {
	return NewHandle(h.obj)
}

// Release drops the root. Calling it more than once is a no-op.
func (h *Handle[T]) Release() {
	if h.released.CompareAndSwap(false, true) {
		RemoveRoot(h.obj)
	}
}
