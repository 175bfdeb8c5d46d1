package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

func TestCloneCompartment(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)
	mod := newTestModule(t, c, FunctionDefinition{Name: "f", Type: voidToVoid, Code: noopNativeFunc})
	f, _ := mod.ExportedFunction("f")

	// Leave a hole in the memory ids, which the clone keeps.
	_, err := CreateMemory(c, MemoryType{Min: 1}, "gone", nil)
	require.NoError(t, err)
	m, err := CreateMemory(c, MemoryType{Min: 1, Max: 3, HasMax: true}, "mem", nil)
	require.NoError(t, err)
	mh := NewHandle(m)
	defer mh.Release()
	CollectGarbage()
	require.Equal(t, uint64(1), m.ID())

	_, res := m.Grow(1)
	require.Equal(t, GrowSuccess, res)
	require.True(t, m.WriteUint32Le(MemoryPageSize, 42))

	g, err := CreateGlobal(c, GlobalType{ValType: api.ValueTypeI32, Mutable: true}, 1, "g")
	require.NoError(t, err)
	gh := NewHandle(g)
	defer gh.Release()
	require.NoError(t, g.Set(ctx, 5))

	typ, err := CreateExceptionType(c, []api.ValueType{api.ValueTypeI32}, "user")
	require.NoError(t, err)
	th := NewHandle(typ)
	defer th.Release()

	table, err := CreateTable(c, TableType{ElemType: api.ValueTypeExternref, Min: 1}, "table", nil)
	require.NoError(t, err)
	tableHandle := NewHandle(table)
	defer tableHandle.Release()
	_, _, err = table.Grow(2, nil)
	require.NoError(t, err)
	require.NoError(t, table.Set(0, m))
	require.NoError(t, table.Set(1, f))
	require.NoError(t, table.Set(2, table))

	clone, err := CloneCompartment(c, "clone")
	require.NoError(t, err)
	cloneHandle := NewHandle(clone)
	defer cloneHandle.Release()
	require.NotEqual(t, c.ID(), clone.ID())

	cm, ok := clone.Memory(m.ID())
	require.True(t, ok)
	require.Equal(t, uint64(2), cm.NumPages())
	require.Equal(t, m.Type(), cm.Type())
	v, _ := cm.ReadUint32Le(MemoryPageSize)
	require.Equal(t, uint32(42), v)
	require.Equal(t, uintptr(cm.Base()), uintptr(clone.RuntimeData().Memories[m.ID()].Base))

	// The copy is independent of the original.
	require.True(t, cm.WriteUint32Le(MemoryPageSize, 43))
	v, _ = m.ReadUint32Le(MemoryPageSize)
	require.Equal(t, uint32(42), v)

	cctx, ok := clone.Context(ctx.ID())
	require.True(t, ok)
	cg, ok := clone.Global(g.ID())
	require.True(t, ok)
	require.Equal(t, g.MutableGlobalIndex(), cg.MutableGlobalIndex())
	require.Equal(t, uint64(5), cg.Get(cctx))
	require.NoError(t, cg.Set(cctx, 6))
	require.Equal(t, uint64(5), g.Get(ctx))

	ct, ok := clone.ExceptionType(typ.ID())
	require.True(t, ok)
	require.Equal(t, typ.Params(), ct.Params())
	require.NotEqual(t, typ, ct)

	ctable, ok := clone.Table(table.ID())
	require.True(t, ok)
	require.Equal(t, uint64(3), ctable.Size())
	e0, _ := ctable.Get(0)
	require.Equal(t, Object(cm), e0)
	e1, _ := ctable.Get(1)
	require.Equal(t, Object(f), e1, "functions are shared")
	e2, _ := ctable.Get(2)
	require.Equal(t, Object(ctable), e2)

	// Collecting the original leaves the clone intact. Like any object the
	// copies need roots of their own.
	for _, o := range []Object{cm, cg, cctx} {
		h := NewHandle(o)
		defer h.Release()
	}
	mh.Release()
	gh.Release()
	th.Release()
	tableHandle.Release()
	CollectGarbage()
	_, ok = clone.Memory(m.ID())
	require.True(t, ok)
	require.Equal(t, uint64(6), cg.Get(cctx))
}
