package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
)

func TestInstantiateModule(t *testing.T) {
	c := newTestCompartment(t)
	ctx := newTestContext(t, c)

	imported, err := CreateGlobal(nil, GlobalType{ValType: api.ValueTypeI32}, 3, "imported")
	require.NoError(t, err)

	def := &ModuleDefinition{
		Functions:      []FunctionDefinition{{Type: voidToVoid, Code: noopNativeFunc}},
		Memories:       []MemoryDefinition{{Name: "mem", Type: MemoryType{Min: 1}}},
		Tables:         []TableDefinition{{Name: "table", Type: funcrefType}},
		Globals:        []GlobalDefinition{{Name: "counter", Type: GlobalType{ValType: api.ValueTypeI64, Mutable: true}, Init: 9}},
		ExceptionTypes: []ExceptionTypeDefinition{{Name: "user", Params: []api.ValueType{api.ValueTypeI32}}},
		Exports: []Export{
			{Name: "f", Type: api.ExternTypeFunc},
			{Name: "memory", Type: api.ExternTypeMemory},
			{Name: "table", Type: api.ExternTypeTable},
			{Name: "imported", Type: api.ExternTypeGlobal, Index: 0},
			{Name: "counter", Type: api.ExternTypeGlobal, Index: 1},
			{Name: "user", Type: ExternTypeExceptionType},
		},
		ObjectCode: []byte{1, 2, 3},
	}
	m, err := InstantiateModule(c, def, ModuleImports{Globals: []*Global{imported}}, "m", nil)
	require.NoError(t, err)
	h := NewHandle(m)
	defer h.Release()

	f, ok := m.ExportedFunction("f")
	require.True(t, ok)
	require.Equal(t, "m.$0", f.Name())
	require.Equal(t, f, m.Function(0))
	require.Nil(t, m.Function(1))

	mem, ok := m.ExportedMemory("memory")
	require.True(t, ok)
	require.Equal(t, mem, m.DefaultMemory())
	table, ok := m.ExportedTable("table")
	require.True(t, ok)
	require.Equal(t, table, m.DefaultTable())

	g, ok := m.ExportedGlobal("imported")
	require.True(t, ok)
	require.Equal(t, imported, g)
	counter, ok := m.ExportedGlobal("counter")
	require.True(t, ok)
	require.Equal(t, uint64(9), counter.Get(ctx))

	o, ok := m.Export("user")
	require.True(t, ok)
	require.Equal(t, ObjectKindExceptionType, o.Kind())

	_, ok = m.ExportedFunction("memory")
	require.False(t, ok)
	_, ok = m.Export("nope")
	require.False(t, ok)
	require.Equal(t, []byte{1, 2, 3}, m.ObjectCode())

	// Every object the module created is kept alive by it.
	CollectGarbage()
	for _, o := range []Object{f, mem, table, counter, imported} {
		require.True(t, isRegistered(o), o.Name())
	}
}

func TestInstantiateModule_Errors(t *testing.T) {
	c := newTestCompartment(t)
	other := newTestCompartment(t)
	otherMem, err := CreateMemory(other, MemoryType{Min: 1}, "mem", nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		def     *ModuleDefinition
		imports ModuleImports
		expErr  error
	}{
		{
			name:    "import from another compartment",
			def:     &ModuleDefinition{},
			imports: ModuleImports{Memories: []*Memory{otherMem}},
			expErr:  ErrWrongCompartment,
		},
		{
			name:   "export out of range",
			def:    &ModuleDefinition{Exports: []Export{{Name: "f", Type: api.ExternTypeFunc}}},
			expErr: ErrInvalidArgument,
		},
		{
			name: "duplicate export",
			def: &ModuleDefinition{
				Functions: []FunctionDefinition{{Type: voidToVoid, Code: noopNativeFunc}},
				Exports:   []Export{{Name: "f", Type: api.ExternTypeFunc}, {Name: "f", Type: api.ExternTypeFunc}},
			},
			expErr: ErrInvalidArgument,
		},
		{
			name:   "invalid memory",
			def:    &ModuleDefinition{Memories: []MemoryDefinition{{Type: MemoryType{Shared: true}}}},
			expErr: ErrInvalidArgument,
		},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := InstantiateModule(c, tc.def, tc.imports, "m", nil)
			require.ErrorIs(t, err, tc.expErr)
		})
	}
}

func TestExternTypeName(t *testing.T) {
	require.Equal(t, "tag", ExternTypeName(ExternTypeExceptionType))
	require.Equal(t, "memory", ExternTypeName(api.ExternTypeMemory))
}
