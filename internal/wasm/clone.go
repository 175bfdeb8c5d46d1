package wasm

import (
	"fmt"
)

// CloneCompartment returns a new compartment holding a copy of every
// exception type, global, memory, table and context of c, at the same ids.
// Memory contents and table elements are copied; elements referring to
// objects of c refer to their copies. Modules aren't cloned: functions are
// shared.
//
// c must not be executing guest code while it is cloned.
func CloneCompartment(c *Compartment, name string) (*Compartment, error) {
	barrier.hold()
	defer barrier.unhold()

	clone, err := CreateCompartment(name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	var (
		exceptionTypes []*ExceptionType
		globals        []*Global
		memories       []*Memory
		tables         []*Table
		contexts       []*Context
	)
	c.exceptionTypes.Range(func(_ uint64, t *ExceptionType) bool { exceptionTypes = append(exceptionTypes, t); return true })
	c.globals.Range(func(_ uint64, g *Global) bool { globals = append(globals, g); return true })
	c.memories.Range(func(_ uint64, m *Memory) bool { memories = append(memories, m); return true })
	c.tables.Range(func(_ uint64, t *Table) bool { tables = append(tables, t); return true })
	c.contexts.Range(func(_ uint64, ctx *Context) bool { contexts = append(contexts, ctx); return true })
	c.mu.Unlock()

	for _, t := range exceptionTypes {
		if _, err = createExceptionType(clone, t.params, t.name, &t.id); err != nil {
			return nil, fmt.Errorf("clone compartment %q: %w", c.name, err)
		}
	}
	for _, g := range globals {
		if _, err = createGlobal(clone, g.typ, g.value, g.name, &g.id, &g.slot); err != nil {
			return nil, fmt.Errorf("clone compartment %q: %w", c.name, err)
		}
	}
	for _, m := range memories {
		if err = cloneMemory(m, clone); err != nil {
			return nil, fmt.Errorf("clone compartment %q: %w", c.name, err)
		}
	}
	clonedTables := make([]*Table, 0, len(tables))
	for _, t := range tables {
		ct, err := createTable(clone, t.typ, t.name, t.quota, &t.id)
		if err != nil {
			return nil, fmt.Errorf("clone compartment %q: %w", c.name, err)
		}
		clonedTables = append(clonedTables, ct)
	}
	// Elements are copied once every table exists, as they may refer to
	// each other.
	for i, t := range tables {
		if err = cloneTableElements(t, clonedTables[i]); err != nil {
			return nil, fmt.Errorf("clone compartment %q: %w", c.name, err)
		}
	}
	for _, ctx := range contexts {
		if _, err = CloneContext(ctx, clone); err != nil {
			return nil, fmt.Errorf("clone compartment %q: %w", c.name, err)
		}
	}
	return clone, nil
}

func cloneMemory(m *Memory, clone *Compartment) error {
	// A clone is created empty and grown, so a quota sees its pages.
	typ := m.typ
	typ.Min = 0
	cm, err := createMemory(clone, typ, m.name, m.quota, &m.id)
	if err != nil {
		return err
	}
	m.resizeMu.Lock()
	defer m.resizeMu.Unlock()
	pages := m.numPages.Load()
	if _, res := cm.Grow(pages); res != GrowSuccess {
		return fmt.Errorf("%w: memory %s: %s", ErrOutOfMemory, m.name, res)
	}
	cm.typ.Min = m.typ.Min
	copy(cm.Bytes(), m.region.Slice(0, pages<<MemoryPageSizeInBits))
	return nil
}

func cloneTableElements(t, clone *Table) error {
	t.mu.RLock()
	elements := append([]Object(nil), t.elements...)
	t.mu.RUnlock()

	n, size := uint64(len(elements)), clone.Size()
	if n < size {
		if _, err := clone.Shrink(size - n); err != nil {
			return err
		}
	} else if _, res, err := clone.Grow(n-size, nil); err != nil {
		return err
	} else if res != GrowSuccess {
		return fmt.Errorf("%w: table %s: %s", ErrOutOfMemory, t.name, res)
	}
	for i, o := range elements {
		if err := clone.Set(uint64(i), remapToCompartment(o, t.compartment, clone.compartment)); err != nil {
			return err
		}
	}
	return nil
}

// remapToCompartment returns the object at the same id in to, if o belongs
// to from.
func remapToCompartment(o Object, from, to *Compartment) Object {
	to.mu.Lock()
	defer to.mu.Unlock()
	var mapped Object
	var ok bool
	switch v := o.(type) {
	case *Memory:
		if v.compartment == from {
			mapped, ok = to.memories.Get(v.id)
		}
	case *Table:
		if v.compartment == from {
			mapped, ok = to.tables.Get(v.id)
		}
	case *Global:
		if v.compartment == from {
			mapped, ok = to.globals.Get(v.id)
		}
	case *ExceptionType:
		if v.compartment == from {
			mapped, ok = to.exceptionTypes.Get(v.id)
		}
	}
	if ok {
		return mapped
	}
	return o
}
