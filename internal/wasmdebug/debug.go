// Package wasmdebug formats guest function names and the call stacks attached
// to exceptions and fatal fault reports.
// Note: This only imports "api" as importing "wasm" would create a cyclic dependency.
package wasmdebug

import (
	"runtime"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
)

// FuncName returns the naming convention of "moduleName.funcName".
//
//   - moduleName is the possibly empty name the module was instantiated with.
//   - funcName is the name in the Custom Name section.
//   - funcIdx is the position in the function index, prefixed with
//     imported functions.
//
// Note: "moduleName.$funcIdx" is used when the funcName is empty, as commonly
// the case in TinyGo.
func FuncName(moduleName, funcName string, funcIdx uint32) string {
	var ret strings.Builder

	// Start module.function
	ret.WriteString(moduleName)
	ret.WriteByte('.')
	if funcName == "" {
		ret.WriteByte('$')
		ret.WriteString(strconv.Itoa(int(funcIdx)))
	} else {
		ret.WriteString(funcName)
	}

	return ret.String()
}

// Signature returns a formatted signature similar to how it is defined in Go.
//
// * paramTypes should be from wasm.FunctionType
// * resultTypes should be from wasm.FunctionType
func Signature(funcName string, paramTypes []api.ValueType, resultTypes []api.ValueType) string {
	var ret strings.Builder
	ret.WriteString(funcName)

	// Start params
	ret.WriteByte('(')
	paramCount := len(paramTypes)
	switch paramCount {
	case 0:
	case 1:
		ret.WriteString(api.ValueTypeName(paramTypes[0]))
	default:
		ret.WriteString(api.ValueTypeName(paramTypes[0]))
		for _, vt := range paramTypes[1:] {
			ret.WriteByte(',')
			ret.WriteString(api.ValueTypeName(vt))
		}
	}
	ret.WriteByte(')')

	// Start results
	resultCount := len(resultTypes)
	switch resultCount {
	case 0:
	case 1:
		ret.WriteByte(' ')
		ret.WriteString(api.ValueTypeName(resultTypes[0]))
	default: // As this is a short-form, we don't write (result i32 i32), rather (i32 i32)
		ret.WriteString(" (")
		ret.WriteString(api.ValueTypeName(resultTypes[0]))
		for _, vt := range resultTypes[1:] {
			ret.WriteByte(',')
			ret.WriteString(api.ValueTypeName(vt))
		}
		ret.WriteByte(')')
	}

	return ret.String()
}

// MaxFrames is the maximum number of frames of each kind kept in a CallStack.
const MaxFrames = 30

// CallStack is the stack captured when an exception is raised or a fault is
// caught: the guest frames the lane had entered, and the Go frames below the
// point of capture. Both are ordered innermost first.
type CallStack struct {
	Guest []string
	PCs   []uintptr
}

// Capture returns the current call stack. skip is the number of Go frames to
// omit, 0 meaning the caller of Capture. guest is ordered outermost first, as
// frames are pushed.
func Capture(skip int, guest []string) CallStack {
	return NewCallStack(guest, Callers(skip+1))
}

// Callers returns the Go program counters of the current goroutine, skipping
// skip frames above the caller of Callers.
func Callers(skip int) []uintptr {
	pcs := make([]uintptr, MaxFrames)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

// NewCallStack combines guest frames, ordered outermost first, with Go
// program counters captured earlier.
func NewCallStack(guest []string, pcs []uintptr) CallStack {
	var g []string
	if count := len(guest); count > 0 {
		if count > MaxFrames {
			count = MaxFrames
		}
		g = make([]string, count)
		for i := range g {
			g[i] = guest[len(guest)-1-i]
		}
	}
	return CallStack{Guest: g, PCs: pcs}
}

// IsEmpty returns true if no frame of either kind was captured.
func (s CallStack) IsEmpty() bool {
	return len(s.Guest) == 0 && len(s.PCs) == 0
}

// String renders the stack the way exceptions and fatal reports print it.
func (s CallStack) String() string {
	var ret strings.Builder
	if len(s.Guest) > 0 {
		ret.WriteString("wasm stack trace:")
		for _, name := range s.Guest {
			ret.WriteString("\n\t")
			ret.WriteString(name)
		}
		if len(s.Guest) == MaxFrames {
			ret.WriteString("\n\t... maybe followed by omitted frames")
		}
	}
	if len(s.PCs) > 0 {
		if ret.Len() > 0 {
			ret.WriteByte('\n')
		}
		ret.WriteString("Go runtime stack trace:")
		frames := runtime.CallersFrames(s.PCs)
		for {
			frame, more := frames.Next()
			ret.WriteString("\n\t")
			ret.WriteString(frame.Function)
			ret.WriteString("\n\t\t")
			ret.WriteString(frame.File)
			ret.WriteByte(':')
			ret.WriteString(strconv.Itoa(frame.Line))
			if !more {
				break
			}
		}
	}
	return ret.String()
}
