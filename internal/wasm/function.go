package wasm

import (
	"context"
	"slices"
	"sync"
	"unsafe"

	"github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wasmrt/internal/wasmdebug"
)

// FunctionType is the signature of a function.
type FunctionType struct {
	Params, Results []api.ValueType
}

func (t FunctionType) String() string {
	return wasmdebug.Signature("", t.Params, t.Results)
}

// Equal returns true if both types have the same params and results.
func (t FunctionType) Equal(o FunctionType) bool {
	return slices.Equal(t.Params, o.Params) && slices.Equal(t.Results, o.Results)
}

// StackLen is the length of the stack a NativeFunc of this type is passed.
func (t FunctionType) StackLen() int {
	return max(len(t.Params), len(t.Results))
}

// functionTypeIDs interns function types process-wide, so that generated
// code compares signatures as integers. Zero is never assigned.
var functionTypeIDs = struct {
	sync.Mutex
	ids map[string]uint64
}{ids: map[string]uint64{}}

// ID returns the interned id of t.
func (t FunctionType) ID() uint64 {
	key := t.String()
	functionTypeIDs.Lock()
	defer functionTypeIDs.Unlock()
	id, ok := functionTypeIDs.ids[key]
	if !ok {
		id = uint64(len(functionTypeIDs.ids)) + 1
		functionTypeIDs.ids[key] = id
	}
	return id
}

// NativeFunc is the entry point of a function. lane is the caller's lane
// pointer, see ContextFromLane. Params are read from stack and results
// written back to it, like api.GoFunction; its length is
// FunctionType.StackLen.
type NativeFunc func(lane unsafe.Pointer, stack []uint64)

type laneKey struct{}

// WithLane returns a context carrying lane, for functions written against
// api.GoFunction.
func WithLane(ctx context.Context, lane unsafe.Pointer) context.Context {
	return context.WithValue(ctx, laneKey{}, lane)
}

// LaneFromContext returns the lane pointer set by WithLane, or nil.
func LaneFromContext(ctx context.Context) unsafe.Pointer {
	lane, _ := ctx.Value(laneKey{}).(unsafe.Pointer)
	return lane
}

// GoFunction adapts an api.GoFunction to a NativeFunc. The lane pointer is
// available through LaneFromContext.
func GoFunction(fn api.GoFunction) NativeFunc {
	return func(lane unsafe.Pointer, stack []uint64) {
		fn.Call(WithLane(context.Background(), lane), stack)
	}
}

// Function is a function instance of a module.
type Function struct {
	objectHeader
	module *Module
	typ    FunctionType
	typeID uint64
	code   NativeFunc
}

func newFunction(module *Module, name string, typ FunctionType, code NativeFunc) *Function {
	f := &Function{
		objectHeader: objectHeader{kind: ObjectKindFunction, name: name},
		module:       module,
		typ:          typ,
		typeID:       typ.ID(),
		code:         code,
	}
	register(f)
	return f
}

func (f *Function) Type() FunctionType { return f.typ }

// TypeID is the interned id of Type.
func (f *Function) TypeID() uint64 { return f.typeID }

func (f *Function) Module() *Module { return f.module }

// Call runs f on the context owning lane.
func (f *Function) Call(lane unsafe.Pointer, stack []uint64) {
	ContextFromLane(lane).Call(f, stack)
}

// Call runs f on ctx, which must not be executing on another goroutine.
// Exceptions propagate to the catch frames of ctx's lane.
func (ctx *Context) Call(f *Function, stack []uint64) {
	ctx.lane.EnterGuest(f.name)
	f.code(ctx.LanePointer(), stack)
	ctx.lane.ExitGuest()
}

func (f *Function) children(visit func(Object)) {
	if f.module != nil {
		visit(f.module)
	}
}

func (f *Function) finalize() {}

func (f *Function) release() error { return nil }
