package wasm

import (
	"fmt"
	"unsafe"

	"github.com/tetratelabs/wasmrt/internal/atomics"
	"github.com/tetratelabs/wasmrt/internal/fault"
	"github.com/tetratelabs/wasmrt/internal/platform"
)

// Context is a lane of guest execution in a compartment. It owns a slot of
// the compartment's runtime data holding the scratch buffer and the values
// of mutable globals. One goroutine at a time may execute in a Context.
type Context struct {
	objectHeader
	compartment *Compartment
	id          uint64
	runtimeData *ContextRuntimeData

	lane *fault.Lane
	wake *atomics.Event

	// invokeDepth counts nested Invoke calls. The outermost holds the
	// collector barrier.
	invokeDepth    int
	holdsCollector bool
}

// CreateContext returns a new context in c.
func CreateContext(c *Compartment) (*Context, error) {
	barrier.hold()
	defer barrier.unhold()
	return createContext(c, nil)
}

func createContext(c *Compartment, id *uint64) (*Context, error) {
	ctx := &Context{
		objectHeader: objectHeader{kind: ObjectKindContext},
		compartment:  c,
		lane:         fault.NewLane(CurrentConfig().MaxCallDepth),
		wake:         atomics.NewEvent(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	if id != nil {
		ctx.id, err = *id, c.contexts.InsertAt(*id, ctx)
	} else {
		ctx.id, err = c.contexts.Add(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("create context: %w", err)
	}
	offset, rd := c.contextSlot(ctx.id)
	if err = c.runtimeDataRegion.Commit(offset, offset+ContextRuntimeDataSize); err != nil {
		c.contexts.Remove(ctx.id)
		return nil, fmt.Errorf("create context: %w", err)
	}
	ctx.runtimeData = rd
	ctx.runtimeData.MutableGlobals = c.initialMutableGlobals
	ctx.name = fmt.Sprintf("%s/context %d", c.name, ctx.id)

	register(ctx)
	return ctx, nil
}

// CloneContext returns a context in newCompartment with the same id and the
// same mutable global values as ctx. newCompartment is usually a clone of
// ctx's compartment.
func CloneContext(ctx *Context, newCompartment *Compartment) (*Context, error) {
	barrier.hold()
	defer barrier.unhold()

	clone, err := createContext(newCompartment, &ctx.id)
	if err != nil {
		return nil, err
	}
	clone.runtimeData.MutableGlobals = ctx.runtimeData.MutableGlobals
	return clone, nil
}

// ID is the index of the context's slot in its compartment's runtime data.
func (ctx *Context) ID() uint64 { return ctx.id }

func (ctx *Context) Compartment() *Compartment { return ctx.compartment }

// Lane returns the catch frames and guest frames of this context.
func (ctx *Context) Lane() *fault.Lane { return ctx.lane }

// LanePointer is the value passed as the lane argument of a NativeFunc.
func (ctx *Context) LanePointer() unsafe.Pointer { return unsafe.Pointer(ctx.runtimeData) }

// RuntimeData returns the context's slot.
func (ctx *Context) RuntimeData() *ContextRuntimeData { return ctx.runtimeData }

// park runs f with the collector barrier released, so a lane blocked in an
// atomic wait doesn't stall collections.
func (ctx *Context) park(f func()) {
	if ctx.holdsCollector {
		barrier.unhold()
		defer barrier.hold()
	}
	f()
}

func (ctx *Context) children(visit func(Object)) {
	if ctx.compartment != nil {
		visit(ctx.compartment)
	}
}

func (ctx *Context) finalize() {
	c := ctx.compartment
	if c.finalized.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts.Remove(ctx.id)
	offset, rd := c.contextSlot(ctx.id)
	if platform.PageSize() <= ContextRuntimeDataSize {
		_ = c.runtimeDataRegion.Decommit(offset, offset+ContextRuntimeDataSize)
	} else {
		// The page is shared with other slots.
		*rd = ContextRuntimeData{}
	}
	ctx.runtimeData = nil
}

func (ctx *Context) release() error {
	return nil
}
