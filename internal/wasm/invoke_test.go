package wasm

import (
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/sync/errgroup"

	"github.com/tetratelabs/wasmrt/internal/atomics"
	"github.com/tetratelabs/wasmrt/internal/metrics"
	"github.com/tetratelabs/wasmrt/internal/wasmdebug"
)

var zero uint64

func TestInvoke(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)
	mod := newTestModule(t, c,
		FunctionDefinition{Name: "inc", Type: i32ToI32, Code: func(_ unsafe.Pointer, stack []uint64) { stack[0]++ }},
		FunctionDefinition{Name: "unreachable", Type: voidToVoid, Code: func(unsafe.Pointer, []uint64) {
			ThrowException(TrapReachedUnreachable)
		}},
		FunctionDefinition{Name: "div", Type: i32ToI32, Code: func(_ unsafe.Pointer, stack []uint64) {
			stack[0] = stack[0] / zero
		}},
	)
	inc, _ := mod.ExportedFunction("inc")

	results, err := Invoke(ctx, inc, i32ToI32, []uint64{41})
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	t.Run("signature mismatch", func(t *testing.T) {
		_, err := Invoke(ctx, inc, voidToVoid, nil)
		var e *Exception
		require.True(t, errors.As(err, &e))
		require.Equal(t, TrapInvokeSignatureMismatch, e.Type)

		_, err = Invoke(ctx, inc, i32ToI32, nil)
		require.True(t, errors.As(err, &e))
		require.Equal(t, TrapInvokeSignatureMismatch, e.Type)
	})

	t.Run("trap", func(t *testing.T) {
		f, _ := mod.ExportedFunction("unreachable")
		_, err := Invoke(ctx, f, voidToVoid, nil)
		var e *Exception
		require.True(t, errors.As(err, &e))
		require.Equal(t, TrapReachedUnreachable, e.Type)
		require.Equal(t, "wasm error: reached unreachable code", e.Error())
		require.Equal(t, []string{"test.unreachable"}, e.CallStack.Guest)
		require.NotEmpty(t, e.CallStack.PCs)
		require.True(t, strings.HasPrefix(e.Describe(), "wasm error: reached unreachable code\nwasm stack trace:\n\ttest.unreachable"))
		require.Zero(t, ctx.Lane().Depth())
		require.Zero(t, ctx.invokeDepth)
	})

	t.Run("divide by zero", func(t *testing.T) {
		f, _ := mod.ExportedFunction("div")
		_, err := Invoke(ctx, f, i32ToI32, []uint64{1})
		var e *Exception
		require.True(t, errors.As(err, &e))
		require.Equal(t, TrapIntegerDivideByZeroOrOverflow, e.Type)
	})

	// The lane can be used again after a trap.
	results, err = Invoke(ctx, inc, i32ToI32, []uint64{1})
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
}

func TestInvoke_StackOverflow(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)

	var recurse *Function
	mod := newTestModule(t, c, FunctionDefinition{Name: "recurse", Type: voidToVoid, Code: func(lane unsafe.Pointer, stack []uint64) {
		recurse.Call(lane, stack)
	}})
	recurse, _ = mod.ExportedFunction("recurse")

	_, err := Invoke(ctx, recurse, voidToVoid, nil)
	var e *Exception
	require.True(t, errors.As(err, &e))
	require.Equal(t, TrapStackOverflow, e.Type)
	require.Len(t, e.CallStack.Guest, wasmdebug.MaxFrames)
	require.Equal(t, "test.recurse", e.CallStack.Guest[0])
	require.Zero(t, ctx.Lane().Depth())
}

func TestInvoke_Nested(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)

	var inner *Function
	var innerErr error
	mod := newTestModule(t, c,
		FunctionDefinition{Name: "inner", Type: voidToVoid, Code: func(unsafe.Pointer, []uint64) {
			ThrowException(TrapCalledAbort)
		}},
		FunctionDefinition{Name: "outer", Type: i32ToI32, Code: func(lane unsafe.Pointer, stack []uint64) {
			// A host function calling back into the guest catches its own
			// exceptions.
			_, innerErr = Invoke(ContextFromLane(lane), inner, voidToVoid, nil)
			stack[0] = 7
		}},
	)
	inner, _ = mod.ExportedFunction("inner")
	outer, _ := mod.ExportedFunction("outer")

	results, err := Invoke(ctx, outer, i32ToI32, []uint64{0})
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, results)
	var e *Exception
	require.True(t, errors.As(innerErr, &e))
	require.Equal(t, TrapCalledAbort, e.Type)
	require.Equal(t, []string{"test.inner", "test.outer"}, e.CallStack.Guest)
	require.Zero(t, ctx.invokeDepth)
	require.False(t, ctx.holdsCollector)
}

func TestInvoke_GoFunction(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)

	mod := newTestModule(t, c, FunctionDefinition{Name: "ctx", Type: FunctionType{Results: []api.ValueType{api.ValueTypeI64}},
		Code: GoFunction(api.GoFunc(func(goCtx context.Context, stack []uint64) {
			stack[0] = ContextFromLane(LaneFromContext(goCtx)).ID()
		})),
	})
	f, _ := mod.ExportedFunction("ctx")
	results, err := Invoke(ctx, f, f.Type(), nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{ctx.ID()}, results)
}

func invokeIntrinsic(t *testing.T, ctx *Context, name string, args ...uint64) ([]uint64, error) {
	f, ok := ctx.Compartment().Intrinsic(name)
	require.True(t, ok, name)
	return Invoke(ctx, f, f.Type(), args)
}

func requireException(t *testing.T, err error, expType *ExceptionType) *Exception {
	var e *Exception
	require.True(t, errors.As(err, &e), "%v", err)
	require.Equal(t, expType, e.Type)
	return e
}

func TestIntrinsics_Memory(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)
	m, err := CreateMemory(c, MemoryType{Min: 1, Max: 2, HasMax: true}, "mem", nil)
	require.NoError(t, err)

	results, err := invokeIntrinsic(t, ctx, IntrinsicMemoryGrow, m.ID(), 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results)

	results, err = invokeIntrinsic(t, ctx, IntrinsicMemoryGrow, m.ID(), 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0xffffffff}, results)

	results, err = invokeIntrinsic(t, ctx, IntrinsicMemorySize, m.ID())
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)

	_, err = invokeIntrinsic(t, ctx, IntrinsicMemorySize, m.ID()+1)
	requireException(t, err, TrapInvalidArgument)

	e := requireException(t, func() error {
		_, err := invokeIntrinsic(t, ctx, IntrinsicOutOfBoundsMemoryTrap, m.ID(), 1<<20)
		return err
	}(), TrapOutOfBoundsMemoryAccess)
	require.Equal(t, []uint64{m.ID(), 1 << 20}, e.Arguments)
}

func TestIntrinsics_Table(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)
	table, err := CreateTable(c, TableType{ElemType: api.ValueTypeFuncref, Min: 1, Max: 2, HasMax: true}, "table", nil)
	require.NoError(t, err)

	results, err := invokeIntrinsic(t, ctx, IntrinsicTableGrow, table.ID(), 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results)

	results, err = invokeIntrinsic(t, ctx, IntrinsicTableGrow, table.ID(), 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{0xffffffff}, results)

	results, err = invokeIntrinsic(t, ctx, IntrinsicTableSize, table.ID())
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
}

func TestIntrinsics_Traps(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)

	tests := []struct {
		name    string
		args    []uint64
		expType *ExceptionType
	}{
		{name: IntrinsicMisalignedAtomicTrap, args: []uint64{3}, expType: TrapMisalignedAtomicMemoryAccess},
		{name: IntrinsicDivideByZeroOrOverflow, expType: TrapIntegerDivideByZeroOrOverflow},
		{name: IntrinsicUnreachableTrap, expType: TrapReachedUnreachable},
		{name: IntrinsicInvalidFloatOperationTrap, expType: TrapInvalidFloatOperation},
		{name: IntrinsicIndirectCallMismatch, args: []uint64{1, 2}, expType: TrapIndirectCallSignatureMismatch},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := invokeIntrinsic(t, ctx, tc.name, tc.args...)
			e := requireException(t, err, tc.expType)
			require.Equal(t, tc.args, e.Arguments)
			require.False(t, e.IsUserException)
			require.Equal(t, []string{"wasmrt." + tc.name}, e.CallStack.Guest)
		})
	}
}

func TestIntrinsics_ThrowException(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)
	typ, err := CreateExceptionType(c, []api.ValueType{api.ValueTypeI32, api.ValueTypeF64}, "user")
	require.NoError(t, err)

	scratch := ctx.RuntimeData().ThunkArgAndReturnData[:]
	binary.LittleEndian.PutUint64(scratch, api.EncodeI32(-1))
	binary.LittleEndian.PutUint64(scratch[8:], api.EncodeF64(1.5))

	// Guest defined types share one label, whatever their name.
	named, err := CreateExceptionType(c, nil, "guest-named")
	require.NoError(t, err)
	users := testutil.ToFloat64(metrics.Exceptions.WithLabelValues("user"))

	_, err = invokeIntrinsic(t, ctx, IntrinsicThrowException, typ.ID(), 1)
	e := requireException(t, err, typ)
	require.True(t, e.IsUserException)
	require.Equal(t, []uint64{api.EncodeI32(-1), api.EncodeF64(1.5)}, e.Arguments)
	require.Equal(t, "wasm error: user(-1, 1.5)", e.Error())
	require.False(t, e.CallStack.IsEmpty())

	_, err = invokeIntrinsic(t, ctx, IntrinsicThrowException, named.ID(), 0)
	requireException(t, err, named)
	require.Equal(t, users+2, testutil.ToFloat64(metrics.Exceptions.WithLabelValues("user")))

	_, err = invokeIntrinsic(t, ctx, IntrinsicThrowException, typ.ID()+1, 0)
	requireException(t, err, TrapInvalidArgument)
}

func TestIntrinsics_WaitNotify(t *testing.T) {
	c := newTestCompartment(t)
	waiter := newTestContext(t, c)
	notifier := newTestContext(t, c)
	m, err := CreateMemory(c, MemoryType{Min: 1, Max: 1, HasMax: true, Shared: true}, "mem", nil)
	require.NoError(t, err)

	const addr = 64
	infinite := uint64(1<<64 - 1) // -1 ns

	results, err := invokeIntrinsic(t, waiter, IntrinsicMemoryAtomicWait32, addr, 1, infinite, m.ID())
	require.NoError(t, err)
	require.Equal(t, []uint64{uint64(atomics.WaitNotEqual)}, results)

	results, err = invokeIntrinsic(t, waiter, IntrinsicMemoryAtomicWait64, addr, 0, uint64(time.Millisecond), m.ID())
	require.NoError(t, err)
	require.Equal(t, []uint64{uint64(atomics.WaitTimedOut)}, results)

	wait32, _ := c.Intrinsic(IntrinsicMemoryAtomicWait32)
	var g errgroup.Group
	g.Go(func() error {
		results, err := Invoke(waiter, wait32, wait32.Type(), []uint64{addr, 0, infinite, m.ID()})
		if err != nil {
			return err
		}
		if results[0] != uint64(atomics.WaitWoken) {
			return errors.New("not woken")
		}
		return nil
	})

	// A parked waiter doesn't hold off collections.
	for {
		CollectGarbage()
		results, err = invokeIntrinsic(t, notifier, IntrinsicMemoryAtomicNotify, addr, 1, m.ID())
		require.NoError(t, err)
		if results[0] == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, g.Wait())

	t.Run("misaligned", func(t *testing.T) {
		_, err := invokeIntrinsic(t, waiter, IntrinsicMemoryAtomicWait32, addr+1, 0, 0, m.ID())
		requireException(t, err, TrapMisalignedAtomicMemoryAccess)
		_, err = invokeIntrinsic(t, notifier, IntrinsicMemoryAtomicNotify, addr+2, 1, m.ID())
		requireException(t, err, TrapMisalignedAtomicMemoryAccess)
	})

	t.Run("out of bounds", func(t *testing.T) {
		_, err := invokeIntrinsic(t, waiter, IntrinsicMemoryAtomicWait64, MemoryPageSize, 0, 0, m.ID())
		requireException(t, err, TrapOutOfBoundsMemoryAccess)
		require.Zero(t, atomics.NumWaitLists())
	})

	t.Run("unshared", func(t *testing.T) {
		unshared, err := CreateMemory(c, MemoryType{Min: 1}, "unshared", nil)
		require.NoError(t, err)
		_, err = invokeIntrinsic(t, waiter, IntrinsicMemoryAtomicWait32, addr, 0, 0, unshared.ID())
		requireException(t, err, TrapWaitOnUnsharedMemory)

		results, err := invokeIntrinsic(t, notifier, IntrinsicMemoryAtomicNotify, addr, 1, unshared.ID())
		require.NoError(t, err)
		require.Equal(t, []uint64{0}, results)
	})
}
