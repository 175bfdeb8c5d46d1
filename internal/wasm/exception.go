package wasm

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/tetratelabs/wasmrt/internal/fault"
	"github.com/tetratelabs/wasmrt/internal/metrics"
	"github.com/tetratelabs/wasmrt/internal/wasmdebug"
)

// ExceptionType is the type of an exception: a name and the types of the
// arguments it carries.
type ExceptionType struct {
	objectHeader
	// compartment is nil for the built-in trap types.
	compartment *Compartment
	id          uint64
	params      []api.ValueType
	// builtin is set for the trap types below.
	builtin     bool
}

// The built-in exception types raised by the runtime. They belong to no
// compartment and are never collected.
var (
	TrapOutOfBoundsMemoryAccess       = newTrapType("out of bounds memory access", api.ValueTypeI64, api.ValueTypeI64)
	TrapOutOfBoundsTableAccess        = newTrapType("out of bounds table access", api.ValueTypeI64, api.ValueTypeI64)
	TrapUndefinedTableElement         = newTrapType("undefined table element", api.ValueTypeI64, api.ValueTypeI64)
	TrapStackOverflow                 = newTrapType("stack overflow")
	TrapIntegerDivideByZeroOrOverflow = newTrapType("integer divide by zero or overflow")
	TrapInvalidFloatOperation         = newTrapType("invalid float operation")
	TrapInvokeSignatureMismatch       = newTrapType("invoke signature mismatch")
	TrapReachedUnreachable            = newTrapType("reached unreachable code")
	TrapIndirectCallSignatureMismatch = newTrapType("indirect call signature mismatch", api.ValueTypeI64, api.ValueTypeI64)
	TrapOutOfMemory                   = newTrapType("out of memory")
	TrapMisalignedAtomicMemoryAccess  = newTrapType("misaligned atomic memory access", api.ValueTypeI64)
	TrapWaitOnUnsharedMemory          = newTrapType("wait on unshared memory", api.ValueTypeI64)
	TrapInvalidArgument               = newTrapType("invalid argument")
	TrapCalledAbort                   = newTrapType("called abort")
)

func newTrapType(name string, params ...api.ValueType) *ExceptionType {
	t := &ExceptionType{objectHeader: objectHeader{kind: ObjectKindExceptionType, name: name}, params: params, builtin: true}
	t.rootCount.Store(1)
	register(t)
	return t
}

// CreateExceptionType returns a new exception type in c.
func CreateExceptionType(c *Compartment, params []api.ValueType, name string) (*ExceptionType, error) {
	barrier.hold()
	defer barrier.unhold()
	return createExceptionType(c, params, name, nil)
}

func createExceptionType(c *Compartment, params []api.ValueType, name string, id *uint64) (*ExceptionType, error) {
	t := &ExceptionType{
		objectHeader: objectHeader{kind: ObjectKindExceptionType, name: name},
		compartment:  c,
		params:       append([]api.ValueType(nil), params...),
	}
	c.mu.Lock()
	var err error
	if id != nil {
		t.id, err = *id, c.exceptionTypes.InsertAt(*id, t)
	} else {
		t.id, err = c.exceptionTypes.Add(t)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("create exception type %q: %w", name, err)
	}
	register(t)
	return t, nil
}

// ID is the type's index in its compartment. Built-in types have none.
func (t *ExceptionType) ID() uint64 { return t.id }

func (t *ExceptionType) Params() []api.ValueType { return t.params }

func (t *ExceptionType) Compartment() *Compartment { return t.compartment }

func (t *ExceptionType) children(visit func(Object)) {
	if t.compartment != nil {
		visit(t.compartment)
	}
}

func (t *ExceptionType) finalize() {
	c := t.compartment
	if c == nil || c.finalized.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exceptionTypes.Remove(t.id)
}

func (t *ExceptionType) release() error { return nil }

// Exception is an instance of an ExceptionType delivered to a catch frame.
type Exception struct {
	Type      *ExceptionType
	Arguments []uint64
	// CallStack is where the exception was raised.
	CallStack wasmdebug.CallStack
	// IsUserException is true if guest code threw it, rather than the
	// runtime trapping.
	IsUserException bool
}

// Error implements error.
func (e *Exception) Error() string {
	var ret strings.Builder
	ret.WriteString("wasm error: ")
	ret.WriteString(e.Type.name)
	if len(e.Arguments) > 0 {
		ret.WriteByte('(')
		for i, arg := range e.Arguments {
			if i > 0 {
				ret.WriteString(", ")
			}
			var vt api.ValueType = api.ValueTypeI64
			if i < len(e.Type.params) {
				vt = e.Type.params[i]
			}
			ret.WriteString(formatValue(vt, arg))
		}
		ret.WriteByte(')')
	}
	return ret.String()
}

// Describe renders the exception with its call stack.
func (e *Exception) Describe() string {
	if e.CallStack.IsEmpty() {
		return e.Error()
	}
	return e.Error() + "\n" + e.CallStack.String()
}

func formatValue(vt api.ValueType, v uint64) string {
	switch vt {
	case api.ValueTypeI32:
		return fmt.Sprintf("%d", api.DecodeI32(v))
	case api.ValueTypeF32:
		return fmt.Sprintf("%g", api.DecodeF32(v))
	case api.ValueTypeF64:
		return fmt.Sprintf("%g", api.DecodeF64(v))
	case api.ValueTypeExternref, api.ValueTypeFuncref:
		return fmt.Sprintf("ref %#x", v)
	}
	return fmt.Sprintf("%d", v)
}

// ThrowException raises an exception of type t on the current lane. It does
// not return. args must match the parameters of t.
func ThrowException(t *ExceptionType, args ...uint64) {
	throw(t, args, false)
}

func throw(t *ExceptionType, args []uint64, isUser bool) {
	if len(args) != len(t.params) {
		panic(fmt.Sprintf("BUG: %d arguments for exception type %s with %d parameters", len(args), t.name, len(t.params)))
	}
	fault.Raise(&Exception{Type: t, Arguments: args, IsUserException: isUser})
}

// metricLabel bounds the label values of metrics.Exceptions: guest defined
// types all count as "user".
func (t *ExceptionType) metricLabel() string {
	if t.builtin {
		return t.name
	}
	return "user"
}

// CatchRuntimeExceptions runs thunk on lane, translating faults and raised
// exceptions into an *Exception passed to onException. It returns true if
// thunk didn't return normally. Faults that aren't guest conditions are left
// for outer frames, and ultimately the fatal handler.
func CatchRuntimeExceptions(lane *fault.Lane, thunk func(), onException func(*Exception)) bool {
	var caught *Exception
	faulted := lane.Catch(thunk, func(sig fault.Signal, stack wasmdebug.CallStack) bool {
		e, ok := exceptionFromSignal(sig, stack)
		if ok {
			caught = e
		}
		return ok
	})
	if faulted {
		metrics.Exceptions.WithLabelValues(caught.Type.metricLabel()).Inc()
		onException(caught)
	}
	return faulted
}

func exceptionFromSignal(sig fault.Signal, stack wasmdebug.CallStack) (*Exception, bool) {
	var e *Exception
	switch sig.Kind {
	case fault.SignalAccessViolation:
		offset := sig.Region.Offset(sig.Address)
		switch owner := sig.Region.Owner().(type) {
		case *Memory:
			e = &Exception{Type: TrapOutOfBoundsMemoryAccess, Arguments: []uint64{owner.id, offset}}
		case *Table:
			e = &Exception{Type: TrapOutOfBoundsTableAccess, Arguments: []uint64{owner.id, offset / tableSlotSize}}
		default:
			return nil, false
		}
	case fault.SignalStackOverflow:
		e = &Exception{Type: TrapStackOverflow}
	case fault.SignalIntDivideByZeroOrOverflow:
		e = &Exception{Type: TrapIntegerDivideByZeroOrOverflow}
	case fault.SignalUnhandledException:
		raised, ok := sig.Payload.(*Exception)
		if !ok {
			return nil, false
		}
		e = raised
	default:
		return nil, false
	}
	if e.CallStack.IsEmpty() {
		e.CallStack = stack
	}
	return e, true
}
