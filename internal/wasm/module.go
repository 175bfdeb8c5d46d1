package wasm

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wasmrt/internal/wasmdebug"
)

// ExternTypeExceptionType is the export kind of an exception type, next to
// the api.ExternType of functions, tables, memories and globals.
const ExternTypeExceptionType api.ExternType = 0x04

// ExternTypeName returns the name of an export kind.
func ExternTypeName(et api.ExternType) string {
	if et == ExternTypeExceptionType {
		return "tag"
	}
	return api.ExternTypeName(et)
}

// FunctionDefinition defines a function by its compiled entry point.
type FunctionDefinition struct {
	Name string
	Type FunctionType
	Code NativeFunc
}

type TableDefinition struct {
	Name string
	Type TableType
}

type MemoryDefinition struct {
	Name string
	Type MemoryType
}

type GlobalDefinition struct {
	Name string
	Type GlobalType
	Init uint64
}

type ExceptionTypeDefinition struct {
	Name   string
	Params []api.ValueType
}

// Export names an entry of one of the index spaces of a module.
type Export struct {
	Name  string
	Type  api.ExternType
	Index uint32
}

// ModuleDefinition is the compiled form of a module: what generated code
// needs instantiated, in index order. Imports come first in every index
// space.
type ModuleDefinition struct {
	Functions      []FunctionDefinition
	Tables         []TableDefinition
	Memories       []MemoryDefinition
	Globals        []GlobalDefinition
	ExceptionTypes []ExceptionTypeDefinition
	Exports        []Export
	// ObjectCode is the native code the entry points were loaded from.
	ObjectCode []byte
}

// ModuleImports are the objects bound to the imports of a module. They must
// belong to the compartment it is instantiated in, except for immutable
// globals without one.
type ModuleImports struct {
	Functions      []*Function
	Tables         []*Table
	Memories       []*Memory
	Globals        []*Global
	ExceptionTypes []*ExceptionType
}

// Module is an instantiated module.
type Module struct {
	objectHeader
	compartment *Compartment

	functions      []*Function
	tables         []*Table
	memories       []*Memory
	globals        []*Global
	exceptionTypes []*ExceptionType
	exports        map[string]Object

	defaultMemory *Memory
	defaultTable  *Table

	objectCode []byte
}

// InstantiateModule creates the objects def defines in c, after imports.
// quota, which may be nil, bounds the memories and tables it creates. On
// failure the objects already created are left for the collector.
func InstantiateModule(c *Compartment, def *ModuleDefinition, imports ModuleImports, name string, quota *ResourceQuota) (*Module, error) {
	barrier.hold()
	defer barrier.unhold()

	if err := imports.check(c); err != nil {
		return nil, fmt.Errorf("instantiate module %q: %w", name, err)
	}
	m := &Module{
		objectHeader:   objectHeader{kind: ObjectKindModule, name: name},
		compartment:    c,
		functions:      append([]*Function(nil), imports.Functions...),
		tables:         append([]*Table(nil), imports.Tables...),
		memories:       append([]*Memory(nil), imports.Memories...),
		globals:        append([]*Global(nil), imports.Globals...),
		exceptionTypes: append([]*ExceptionType(nil), imports.ExceptionTypes...),
		exports:        make(map[string]Object, len(def.Exports)),
		objectCode:     def.ObjectCode,
	}

	for i, d := range def.Functions {
		idx := uint32(len(imports.Functions) + i)
		m.functions = append(m.functions, newFunction(m, wasmdebug.FuncName(name, d.Name, idx), d.Type, d.Code))
	}
	for _, d := range def.ExceptionTypes {
		t, err := CreateExceptionType(c, d.Params, d.Name)
		if err != nil {
			return nil, fmt.Errorf("instantiate module %q: %w", name, err)
		}
		m.exceptionTypes = append(m.exceptionTypes, t)
	}
	for _, d := range def.Globals {
		g, err := CreateGlobal(c, d.Type, d.Init, d.Name)
		if err != nil {
			return nil, fmt.Errorf("instantiate module %q: %w", name, err)
		}
		m.globals = append(m.globals, g)
	}
	for _, d := range def.Memories {
		mem, err := CreateMemory(c, d.Type, d.Name, quota)
		if err != nil {
			return nil, fmt.Errorf("instantiate module %q: %w", name, err)
		}
		m.memories = append(m.memories, mem)
	}
	for _, d := range def.Tables {
		t, err := CreateTable(c, d.Type, d.Name, quota)
		if err != nil {
			return nil, fmt.Errorf("instantiate module %q: %w", name, err)
		}
		m.tables = append(m.tables, t)
	}
	if len(m.memories) > 0 {
		m.defaultMemory = m.memories[0]
	}
	if len(m.tables) > 0 {
		m.defaultTable = m.tables[0]
	}

	for _, e := range def.Exports {
		o, err := m.lookup(e.Type, e.Index)
		if err != nil {
			return nil, fmt.Errorf("instantiate module %q: export %q: %w", name, e.Name, err)
		}
		if _, dup := m.exports[e.Name]; dup {
			return nil, fmt.Errorf("instantiate module %q: %w: duplicate export %q", name, ErrInvalidArgument, e.Name)
		}
		m.exports[e.Name] = o
	}
	register(m)
	return m, nil
}

func (imports *ModuleImports) check(c *Compartment) error {
	for _, f := range imports.Functions {
		if f.module != nil && f.module.compartment != c {
			return fmt.Errorf("%w: imported function %s", ErrWrongCompartment, f.name)
		}
	}
	for _, t := range imports.Tables {
		if t.compartment != c {
			return fmt.Errorf("%w: imported table %s", ErrWrongCompartment, t.name)
		}
	}
	for _, mem := range imports.Memories {
		if mem.compartment != c {
			return fmt.Errorf("%w: imported memory %s", ErrWrongCompartment, mem.name)
		}
	}
	for _, g := range imports.Globals {
		if g.compartment != nil && g.compartment != c {
			return fmt.Errorf("%w: imported global %s", ErrWrongCompartment, g.name)
		}
	}
	for _, t := range imports.ExceptionTypes {
		if t.compartment != nil && t.compartment != c {
			return fmt.Errorf("%w: imported exception type %s", ErrWrongCompartment, t.name)
		}
	}
	return nil
}

func (m *Module) lookup(et api.ExternType, index uint32) (Object, error) {
	var o Object
	var n int
	switch et {
	case api.ExternTypeFunc:
		if n = len(m.functions); int(index) < n {
			o = m.functions[index]
		}
	case api.ExternTypeTable:
		if n = len(m.tables); int(index) < n {
			o = m.tables[index]
		}
	case api.ExternTypeMemory:
		if n = len(m.memories); int(index) < n {
			o = m.memories[index]
		}
	case api.ExternTypeGlobal:
		if n = len(m.globals); int(index) < n {
			o = m.globals[index]
		}
	case ExternTypeExceptionType:
		if n = len(m.exceptionTypes); int(index) < n {
			o = m.exceptionTypes[index]
		}
	default:
		return nil, fmt.Errorf("%w: extern type %#x", ErrInvalidArgument, et)
	}
	if o == nil {
		return nil, fmt.Errorf("%w: %s index %d of %d", ErrInvalidArgument, ExternTypeName(et), index, n)
	}
	return o, nil
}

func (m *Module) Compartment() *Compartment { return m.compartment }

// Export returns the object exported as name.
func (m *Module) Export(name string) (Object, bool) {
	o, ok := m.exports[name]
	return o, ok
}

// ExportedFunction returns the function exported as name.
func (m *Module) ExportedFunction(name string) (*Function, bool) {
	f, ok := m.exports[name].(*Function)
	return f, ok
}

// ExportedMemory returns the memory exported as name.
func (m *Module) ExportedMemory(name string) (*Memory, bool) {
	mem, ok := m.exports[name].(*Memory)
	return mem, ok
}

// ExportedTable returns the table exported as name.
func (m *Module) ExportedTable(name string) (*Table, bool) {
	t, ok := m.exports[name].(*Table)
	return t, ok
}

// ExportedGlobal returns the global exported as name.
func (m *Module) ExportedGlobal(name string) (*Global, bool) {
	g, ok := m.exports[name].(*Global)
	return g, ok
}

// DefaultMemory is the first memory in the index space, or nil.
func (m *Module) DefaultMemory() *Memory { return m.defaultMemory }

// DefaultTable is the first table in the index space, or nil.
func (m *Module) DefaultTable() *Table { return m.defaultTable }

// Function returns the function at index in the index space.
func (m *Module) Function(index uint32) *Function {
	if int(index) >= len(m.functions) {
		return nil
	}
	return m.functions[index]
}

// ObjectCode returns the native code the module was loaded from.
func (m *Module) ObjectCode() []byte { return m.objectCode }

func (m *Module) children(visit func(Object)) {
	visit(m.compartment)
	for _, f := range m.functions {
		visit(f)
	}
	for _, t := range m.tables {
		visit(t)
	}
	for _, mem := range m.memories {
		visit(mem)
	}
	for _, g := range m.globals {
		visit(g)
	}
	for _, t := range m.exceptionTypes {
		visit(t)
	}
}

func (m *Module) finalize() {}

func (m *Module) release() error { return nil }
