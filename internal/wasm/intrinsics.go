package wasm

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wasmrt/internal/atomics"
)

const (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// Names of the intrinsic functions exported by every compartment's
// intrinsics module. Generated code calls them for operations it doesn't
// inline. Memory and table operands are ids in the compartment.
const (
	IntrinsicMemoryGrow                = "memory.grow"
	IntrinsicMemorySize                = "memory.size"
	IntrinsicMemoryAtomicWait32        = "memory.atomic.wait32"
	IntrinsicMemoryAtomicWait64        = "memory.atomic.wait64"
	IntrinsicMemoryAtomicNotify        = "memory.atomic.notify"
	IntrinsicTableGrow                 = "table.grow"
	IntrinsicTableSize                 = "table.size"
	IntrinsicThrowException            = "throwException"
	IntrinsicMisalignedAtomicTrap      = "misalignedAtomicTrap"
	IntrinsicOutOfBoundsMemoryTrap     = "outOfBoundsMemoryTrap"
	IntrinsicDivideByZeroOrOverflow    = "divideByZeroOrIntegerOverflowTrap"
	IntrinsicUnreachableTrap           = "unreachableTrap"
	IntrinsicInvalidFloatOperationTrap = "invalidFloatOperationTrap"
	IntrinsicIndirectCallMismatch      = "indirectCallSignatureMismatch"
)

type intrinsic struct {
	name string
	typ  FunctionType
	code NativeFunc
}

var intrinsics = []intrinsic{
	// (memory id, delta pages) -> old pages, or -1 in the memory's index type
	{IntrinsicMemoryGrow, FunctionType{[]api.ValueType{i64, i64}, []api.ValueType{i64}}, memoryGrow},
	// (memory id) -> pages
	{IntrinsicMemorySize, FunctionType{[]api.ValueType{i64}, []api.ValueType{i64}}, memorySize},
	// (address, expected, timeout ns, memory id) -> wait result
	{IntrinsicMemoryAtomicWait32, FunctionType{[]api.ValueType{i64, i32, i64, i64}, []api.ValueType{i32}}, memoryAtomicWait32},
	{IntrinsicMemoryAtomicWait64, FunctionType{[]api.ValueType{i64, i64, i64, i64}, []api.ValueType{i32}}, memoryAtomicWait64},
	// (address, count, memory id) -> woken
	{IntrinsicMemoryAtomicNotify, FunctionType{[]api.ValueType{i64, i32, i64}, []api.ValueType{i32}}, memoryAtomicNotify},
	// (table id, delta) -> old size, or -1 in the table's index type
	{IntrinsicTableGrow, FunctionType{[]api.ValueType{i64, i64}, []api.ValueType{i64}}, tableGrow},
	// (table id) -> size
	{IntrinsicTableSize, FunctionType{[]api.ValueType{i64}, []api.ValueType{i64}}, tableSize},
	// (exception type id, is user exception); arguments are in the lane's
	// ThunkArgAndReturnData
	{IntrinsicThrowException, FunctionType{[]api.ValueType{i64, i32}, nil}, throwException},
	// (address)
	{IntrinsicMisalignedAtomicTrap, FunctionType{[]api.ValueType{i64}, nil}, func(_ unsafe.Pointer, stack []uint64) {
		ThrowException(TrapMisalignedAtomicMemoryAccess, stack[0])
	}},
	// (memory id, address)
	{IntrinsicOutOfBoundsMemoryTrap, FunctionType{[]api.ValueType{i64, i64}, nil}, func(_ unsafe.Pointer, stack []uint64) {
		ThrowException(TrapOutOfBoundsMemoryAccess, stack[0], stack[1])
	}},
	{IntrinsicDivideByZeroOrOverflow, FunctionType{}, func(unsafe.Pointer, []uint64) {
		ThrowException(TrapIntegerDivideByZeroOrOverflow)
	}},
	{IntrinsicUnreachableTrap, FunctionType{}, func(unsafe.Pointer, []uint64) {
		ThrowException(TrapReachedUnreachable)
	}},
	{IntrinsicInvalidFloatOperationTrap, FunctionType{}, func(unsafe.Pointer, []uint64) {
		ThrowException(TrapInvalidFloatOperation)
	}},
	// (element index, expected type id)
	{IntrinsicIndirectCallMismatch, FunctionType{[]api.ValueType{i64, i64}, nil}, func(_ unsafe.Pointer, stack []uint64) {
		ThrowException(TrapIndirectCallSignatureMismatch, stack[0], stack[1])
	}},
}

// newIntrinsicsModule instantiates the intrinsics exported to code running
// in c.
func newIntrinsicsModule(c *Compartment) *Module {
	def := &ModuleDefinition{}
	for i, in := range intrinsics {
		def.Functions = append(def.Functions, FunctionDefinition{Name: in.name, Type: in.typ, Code: in.code})
		def.Exports = append(def.Exports, Export{Name: in.name, Type: api.ExternTypeFunc, Index: uint32(i)})
	}
	m, err := InstantiateModule(c, def, ModuleImports{}, "wasmrt", nil)
	if err != nil {
		panic("BUG: instantiating intrinsics: " + err.Error())
	}
	return m
}

func memoryOperand(ctx *Context, id uint64) *Memory {
	m, ok := ctx.compartment.Memory(id)
	if !ok {
		ThrowException(TrapInvalidArgument)
	}
	return m
}

func tableOperand(ctx *Context, id uint64) *Table {
	t, ok := ctx.compartment.Table(id)
	if !ok {
		ThrowException(TrapInvalidArgument)
	}
	return t
}

// failedGrow is -1 in an index type.
func failedGrow(t IndexType) uint64 {
	if t == IndexTypeI64 {
		return math.MaxUint64
	}
	return math.MaxUint32
}

func memoryGrow(lane unsafe.Pointer, stack []uint64) {
	m := memoryOperand(ContextFromLane(lane), stack[0])
	old, res := m.Grow(stack[1])
	switch res {
	case GrowSuccess:
		stack[0] = old
	case GrowOutOfMemory:
		// The guest can't recover from the host running out of memory.
		ThrowException(TrapOutOfMemory)
	default:
		stack[0] = failedGrow(m.typ.IndexType)
	}
}

func memorySize(lane unsafe.Pointer, stack []uint64) {
	stack[0] = memoryOperand(ContextFromLane(lane), stack[0]).NumPages()
}

func waitDeadline(timeout uint64) atomics.Deadline {
	return atomics.DeadlineFromTimeout(int64(timeout))
}

func sharedMemoryOperand(ctx *Context, id uint64) *Memory {
	m := memoryOperand(ctx, id)
	if !m.typ.Shared {
		ThrowException(TrapWaitOnUnsharedMemory, id)
	}
	return m
}

func memoryAtomicWait32(lane unsafe.Pointer, stack []uint64) {
	ctx := ContextFromLane(lane)
	addr, expected, deadline := stack[0], uint32(stack[1]), waitDeadline(stack[2])
	m := sharedMemoryOperand(ctx, stack[3])
	// Touch the address first: a fault must not happen while the wait list
	// is locked.
	m.AtomicLoad32(addr)
	ptr := (*uint32)(m.atomicPointer(addr, 4))
	var res atomics.WaitResult
	ctx.park(func() { res = atomics.Wait32(ctx.wake, ptr, expected, deadline) })
	stack[0] = uint64(res)
}

func memoryAtomicWait64(lane unsafe.Pointer, stack []uint64) {
	ctx := ContextFromLane(lane)
	addr, expected, deadline := stack[0], stack[1], waitDeadline(stack[2])
	m := sharedMemoryOperand(ctx, stack[3])
	m.AtomicLoad64(addr)
	ptr := (*uint64)(m.atomicPointer(addr, 8))
	var res atomics.WaitResult
	ctx.park(func() { res = atomics.Wait64(ctx.wake, ptr, expected, deadline) })
	stack[0] = uint64(res)
}

func memoryAtomicNotify(lane unsafe.Pointer, stack []uint64) {
	ctx := ContextFromLane(lane)
	addr, count := stack[0], uint32(stack[1])
	m := memoryOperand(ctx, stack[2])
	// Validates alignment and bounds, like a wait on the same address.
	m.AtomicLoad32(addr)
	if !m.typ.Shared {
		stack[0] = 0
		return
	}
	stack[0] = uint64(atomics.Wake(uintptr(m.atomicPointer(addr, 4)), count))
}

func tableGrow(lane unsafe.Pointer, stack []uint64) {
	t := tableOperand(ContextFromLane(lane), stack[0])
	old, res, _ := t.Grow(stack[1], nil)
	switch res {
	case GrowSuccess:
		stack[0] = old
	case GrowOutOfMemory:
		ThrowException(TrapOutOfMemory)
	default:
		stack[0] = failedGrow(t.typ.IndexType)
	}
}

func tableSize(lane unsafe.Pointer, stack []uint64) {
	stack[0] = tableOperand(ContextFromLane(lane), stack[0]).Size()
}

func throwException(lane unsafe.Pointer, stack []uint64) {
	ctx := ContextFromLane(lane)
	t, ok := ctx.compartment.ExceptionType(stack[0])
	if !ok {
		ThrowException(TrapInvalidArgument)
	}
	args := make([]uint64, len(t.params))
	scratch := ctx.runtimeData.ThunkArgAndReturnData[:]
	if len(args)*8 > len(scratch) {
		ThrowException(TrapInvalidArgument)
	}
	for i := range args {
		args[i] = binary.LittleEndian.Uint64(scratch[i*8:])
	}
	throw(t, args, stack[1] != 0)
}
