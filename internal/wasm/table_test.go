package wasm

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

var (
	funcrefType   = TableType{ElemType: api.ValueTypeFuncref, Min: 2, Max: 1 << 16, HasMax: true}
	voidToVoid    = FunctionType{}
	i32ToI32      = FunctionType{Params: []api.ValueType{api.ValueTypeI32}, Results: []api.ValueType{api.ValueTypeI32}}
	noopNativeFunc = func(unsafe.Pointer, []uint64) {}
)

func TestTable_ResolveIndirect(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)
	mod := newTestModule(t, c,
		FunctionDefinition{Name: "void", Type: voidToVoid, Code: noopNativeFunc},
		FunctionDefinition{Name: "inc", Type: i32ToI32, Code: func(_ unsafe.Pointer, stack []uint64) { stack[0]++ }},
	)
	void, _ := mod.ExportedFunction("void")
	inc, _ := mod.ExportedFunction("inc")

	table, err := CreateTable(c, funcrefType, "table", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), table.Size())
	require.Equal(t, uintptr(table.Base()), c.RuntimeData().TableBases[table.ID()])
	require.NoError(t, table.Set(0, inc))

	var resolved *Function
	require.Nil(t, catchException(ctx, func() { resolved = table.ResolveIndirect(0, i32ToI32.ID()) }))
	require.Equal(t, inc, resolved)

	tests := []struct {
		name    string
		index   uint64
		typeID  uint64
		expType *ExceptionType
		expArgs []uint64
	}{
		{name: "signature mismatch", index: 0, typeID: voidToVoid.ID(), expType: TrapIndirectCallSignatureMismatch, expArgs: []uint64{0, voidToVoid.ID()}},
		{name: "null", index: 1, typeID: voidToVoid.ID(), expType: TrapUndefinedTableElement, expArgs: []uint64{table.ID(), 1}},
		{name: "past size", index: 2, typeID: voidToVoid.ID(), expType: TrapOutOfBoundsTableAccess, expArgs: []uint64{table.ID(), 2}},
		// Faults on a page that isn't committed.
		{name: "past committed pages", index: 1 << 12, typeID: voidToVoid.ID(), expType: TrapOutOfBoundsTableAccess, expArgs: []uint64{table.ID(), 1 << 12}},
		{name: "past reservation", index: 1 << 40, typeID: voidToVoid.ID(), expType: TrapOutOfBoundsTableAccess, expArgs: []uint64{table.ID(), 1 << 40}},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			e := catchException(ctx, func() { table.ResolveIndirect(tc.index, tc.typeID) })
			require.NotNil(t, e)
			require.Equal(t, tc.expType, e.Type)
			require.Equal(t, tc.expArgs, e.Arguments)
		})
	}

	require.NoError(t, table.Set(1, void))
	require.Nil(t, catchException(ctx, func() { resolved = table.ResolveIndirect(1, voidToVoid.ID()) }))
	require.Equal(t, void, resolved)
}

func TestTable_GrowShrink(t *testing.T) {
	c := newTestCompartment(t)
	mod := newTestModule(t, c, FunctionDefinition{Name: "f", Type: voidToVoid, Code: noopNativeFunc})
	f, _ := mod.ExportedFunction("f")

	table, err := CreateTable(c, TableType{ElemType: api.ValueTypeFuncref, Max: 4, HasMax: true}, "table", nil)
	require.NoError(t, err)
	base := table.Base()

	old, res, err := table.Grow(3, f)
	require.NoError(t, err)
	require.Equal(t, GrowSuccess, res)
	require.Zero(t, old)
	for i := uint64(0); i < 3; i++ {
		o, ok := table.Get(i)
		require.True(t, ok)
		require.Equal(t, Object(f), o)
	}

	old, res, err = table.Grow(2, nil)
	require.NoError(t, err)
	require.Equal(t, GrowOutOfMaxSize, res)
	require.Equal(t, uint64(3), old)

	old, err = table.Shrink(2)
	require.NoError(t, err)
	require.Equal(t, uint64(3), old)
	require.Equal(t, uint64(1), table.Size())
	_, ok := table.Get(1)
	require.False(t, ok)
	require.ErrorIs(t, table.Set(1, nil), ErrOutOfBounds)
	require.Equal(t, base, table.Base())

	// A funcref table holds only functions.
	_, _, err = table.Grow(1, c)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, table.Set(0, c), ErrInvalidArgument)

	_, err = table.Shrink(2)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTable_Externref(t *testing.T) {
	c := newTestCompartment(t)
	table, err := CreateTable(c, TableType{ElemType: api.ValueTypeExternref, Min: 1}, "table", nil)
	require.NoError(t, err)
	g, err := CreateGlobal(nil, GlobalType{ValType: api.ValueTypeI32}, 1, "g")
	require.NoError(t, err)

	require.NoError(t, table.Set(0, g))
	o, ok := table.Get(0)
	require.True(t, ok)
	require.Equal(t, Object(g), o)
}

func TestTable_Quota(t *testing.T) {
	c := newTestCompartment(t)
	quota := NewResourceQuota()
	quota.TableElements.SetMax(2)

	table, err := CreateTable(c, TableType{ElemType: api.ValueTypeFuncref, Min: 1}, "table", quota)
	require.NoError(t, err)
	_, res, err := table.Grow(2, nil)
	require.NoError(t, err)
	require.Equal(t, GrowOutOfQuota, res)
	_, res, _ = table.Grow(1, nil)
	require.Equal(t, GrowSuccess, res)
	require.Equal(t, uint64(2), quota.TableElements.Current())

	CollectGarbage()
	require.Zero(t, quota.TableElements.Current())
}

func TestTableType_validate(t *testing.T) {
	require.NoError(t, funcrefType.validate())
	require.ErrorIs(t, TableType{ElemType: api.ValueTypeI32}.validate(), ErrInvalidArgument)
	require.ErrorIs(t, TableType{ElemType: api.ValueTypeFuncref, Min: 2, Max: 1, HasMax: true}.validate(), ErrInvalidArgument)
	require.ErrorIs(t, TableType{ElemType: api.ValueTypeFuncref, Min: 1 << 33}.validate(), ErrInvalidArgument)
	require.NoError(t, TableType{ElemType: api.ValueTypeFuncref, Min: 1 << 33, IndexType: IndexTypeI64}.validate())
}
