package wasm

import (
	"fmt"
)

// Invoke calls fn on ctx from the host. sig is the signature the caller
// expects; a mismatch is reported as an invoke signature mismatch exception
// without calling fn. Exceptions raised during the call are returned as an
// *Exception error.
//
// The outermost Invoke on a context holds off CollectGarbage until it
// returns.
func Invoke(ctx *Context, fn *Function, sig FunctionType, args []uint64) (results []uint64, err error) {
	if !sig.Equal(fn.typ) || len(args) != len(sig.Params) {
		return nil, &Exception{Type: TrapInvokeSignatureMismatch, CallStack: ctx.lane.Stack()}
	}
	if ctx.runtimeData == nil {
		return nil, fmt.Errorf("%w: context %s was collected", ErrInvalidArgument, ctx.name)
	}

	if ctx.invokeDepth == 0 {
		barrier.hold()
		ctx.holdsCollector = true
	}
	ctx.invokeDepth++
	defer func() {
		if ctx.invokeDepth--; ctx.invokeDepth == 0 {
			ctx.holdsCollector = false
			barrier.unhold()
		}
	}()

	stack := make([]uint64, sig.StackLen())
	copy(stack, args)
	CatchRuntimeExceptions(ctx.lane, func() {
		ctx.Call(fn, stack)
	}, func(e *Exception) {
		err = e
	})
	if err != nil {
		return nil, err
	}
	return stack[:len(sig.Results)], nil
}
