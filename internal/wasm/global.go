package wasm

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// GlobalType is the type of a global.
type GlobalType struct {
	ValType api.ValueType
	Mutable bool
}

func (t GlobalType) validate() error {
	switch t.ValType {
	case api.ValueTypeI32, api.ValueTypeI64, api.ValueTypeF32, api.ValueTypeF64:
		return nil
	}
	return fmt.Errorf("%w: global type %s", ErrInvalidArgument, api.ValueTypeName(t.ValType))
}

// Global is a typed value. An immutable global holds its value inline and
// may belong to no compartment. A mutable global owns a slot of the
// MutableGlobals of every context in its compartment, so its value is per
// context.
type Global struct {
	objectHeader
	compartment *Compartment
	id          uint64
	typ         GlobalType

	// value is the value of an immutable global, and the initial value of a
	// mutable one.
	value uint64
	// slot is the MutableGlobals index of a mutable global.
	slot uint32
}

// CreateGlobal returns a global of typ initialized to value. c may be nil
// for an immutable global.
func CreateGlobal(c *Compartment, typ GlobalType, value uint64, name string) (*Global, error) {
	barrier.hold()
	defer barrier.unhold()
	return createGlobal(c, typ, value, name, nil, nil)
}

func createGlobal(c *Compartment, typ GlobalType, value uint64, name string, id *uint64, slot *uint32) (*Global, error) {
	if err := typ.validate(); err != nil {
		return nil, err
	}
	g := &Global{
		objectHeader: objectHeader{kind: ObjectKindGlobal, name: name},
		compartment:  c,
		typ:          typ,
		value:        value,
	}
	if c == nil {
		if typ.Mutable {
			return nil, fmt.Errorf("%w: mutable global %q without a compartment", ErrInvalidArgument, name)
		}
		register(g)
		return g, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if id != nil {
		g.id, err = *id, c.globals.InsertAt(*id, g)
	} else {
		g.id, err = c.globals.Add(g)
	}
	if err != nil {
		return nil, fmt.Errorf("create global %q: %w", name, err)
	}
	if typ.Mutable {
		if g.slot, err = c.allocateMutableGlobal(slot, value); err != nil {
			c.globals.Remove(g.id)
			return nil, fmt.Errorf("create global %q: %w", name, err)
		}
	}
	register(g)
	return g, nil
}

func (g *Global) Type() GlobalType { return g.typ }

// ID is the global's index in its compartment.
func (g *Global) ID() uint64 { return g.id }

func (g *Global) Compartment() *Compartment { return g.compartment }

// MutableGlobalIndex is the index of a mutable global in
// ContextRuntimeData.MutableGlobals.
func (g *Global) MutableGlobalIndex() uint32 { return g.slot }

// Get returns the value of the global. ctx is needed for a mutable global,
// and must be in the same compartment.
func (g *Global) Get(ctx *Context) uint64 {
	if !g.typ.Mutable {
		return g.value
	}
	if ctx == nil || ctx.compartment != g.compartment {
		panic(fmt.Errorf("BUG: %w: reading mutable global %s", ErrWrongCompartment, g.name))
	}
	return ctx.runtimeData.MutableGlobals[g.slot]
}

// Set changes the value of a mutable global in ctx.
func (g *Global) Set(ctx *Context, v uint64) error {
	if !g.typ.Mutable {
		return fmt.Errorf("%w: %s", ErrImmutableGlobal, g.name)
	}
	if ctx == nil || ctx.compartment != g.compartment {
		return fmt.Errorf("%w: setting global %s", ErrWrongCompartment, g.name)
	}
	ctx.runtimeData.MutableGlobals[g.slot] = v
	return nil
}

// String implements fmt.Stringer
func (g *Global) String() string {
	prefix := "global"
	if g.typ.Mutable {
		prefix = "mutable global"
	}
	switch g.typ.ValType {
	case api.ValueTypeF32:
		return fmt.Sprintf("%s(%f)", prefix, api.DecodeF32(g.value))
	case api.ValueTypeF64:
		return fmt.Sprintf("%s(%f)", prefix, api.DecodeF64(g.value))
	default:
		return fmt.Sprintf("%s(%d)", prefix, g.value)
	}
}

func (g *Global) children(visit func(Object)) {
	if g.compartment != nil {
		visit(g.compartment)
	}
}

func (g *Global) finalize() {
	c := g.compartment
	if c == nil || c.finalized.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globals.Remove(g.id)
	if g.typ.Mutable {
		c.freeMutableGlobal(g.slot)
	}
}

func (g *Global) release() error { return nil }
