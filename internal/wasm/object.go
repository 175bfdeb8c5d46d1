package wasm

import (
	"fmt"
	"sync/atomic"
)

// ObjectKind is the kind tag of a runtime Object.
type ObjectKind uint8

const (
	ObjectKindFunction ObjectKind = iota
	ObjectKindTable
	ObjectKindMemory
	ObjectKindGlobal
	ObjectKindExceptionType
	ObjectKindModule
	ObjectKindContext
	ObjectKindCompartment
)

func (k ObjectKind) String() string {
	switch k {
	case ObjectKindFunction:
		return "function"
	case ObjectKindTable:
		return "table"
	case ObjectKindMemory:
		return "memory"
	case ObjectKindGlobal:
		return "global"
	case ObjectKindExceptionType:
		return "exception type"
	case ObjectKindModule:
		return "module"
	case ObjectKindContext:
		return "context"
	case ObjectKindCompartment:
		return "compartment"
	}
	return fmt.Sprintf("ObjectKind(%d)", uint8(k))
}

// Object is a runtime entity whose lifetime is managed by CollectGarbage. It
// lives while it is reachable from an object with a root, see Handle.
//
// The set of implementations is closed: *Function, *Table, *Memory, *Global,
// *ExceptionType, *Module, *Context and *Compartment.
type Object interface {
	Kind() ObjectKind
	// Name is the debug name given at creation.
	Name() string

	header() *objectHeader
	// children visits every object this one holds a strong reference to.
	children(visit func(Object))
	// finalize is called on every unreachable object before any is
	// released. It clears the weak references others hold to it.
	finalize()
	// release frees native resources.
	release() error
}

// objectHeader is embedded first in every Object.
type objectHeader struct {
	kind      ObjectKind
	name      string
	rootCount atomic.Int64
}

func (h *objectHeader) Kind() ObjectKind { return h.kind }

func (h *objectHeader) Name() string { return h.name }

func (h *objectHeader) header() *objectHeader { return h }
