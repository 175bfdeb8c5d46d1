package fault

import (
	"runtime"
	"runtime/debug"

	"github.com/tetratelabs/wasmrt/internal/platform"
	"github.com/tetratelabs/wasmrt/internal/wasmdebug"
)

// Filter is consulted when a fault reaches a catch frame. Returning true
// resumes execution where that frame's Catch was called.
type Filter func(sig Signal, stack wasmdebug.CallStack) bool

// Lane is one lane of guest execution: its stack of catch frames and the
// guest frames it has entered. A Lane is used by one goroutine at a time.
type Lane struct {
	frames   []*frame
	guest    []string
	maxDepth int
}

type frame struct {
	filter     Filter
	guestDepth int
}

// unwind carries control from the frame whose defer evaluated the filters
// out to the outer frame that accepted.
type unwind struct {
	target *frame
}

// raised is the panic value of Raise and of a stack overflow.
type raised struct {
	sig Signal
	pcs []uintptr
}

// NewLane returns a lane which raises SignalStackOverflow once more than
// maxDepth guest frames are entered. Zero means no limit.
func NewLane(maxDepth int) *Lane {
	return &Lane{maxDepth: maxDepth}
}

// Depth returns the number of guest frames entered.
func (l *Lane) Depth() int {
	return len(l.guest)
}

// CatchDepth returns the number of active catch frames.
func (l *Lane) CatchDepth() int {
	return len(l.frames)
}

// EnterGuest pushes a guest frame, used in call stacks.
//
// Go cannot recover from exhausting a goroutine stack, so the depth limit is
// enforced here instead of by a guard page.
func (l *Lane) EnterGuest(name string) {
	if l.maxDepth > 0 && len(l.guest) >= l.maxDepth {
		panic(&raised{sig: Signal{Kind: SignalStackOverflow}, pcs: wasmdebug.Callers(1)})
	}
	l.guest = append(l.guest, name)
}

// ExitGuest pops the frame pushed by EnterGuest. It must be called on normal
// return only, not deferred: the frames are still needed when a fault is
// classified, and Catch restores the depth when it resumes.
func (l *Lane) ExitGuest() {
	l.guest = l.guest[:len(l.guest)-1]
}

// Stack captures the current call stack of the lane.
func (l *Lane) Stack() wasmdebug.CallStack {
	return wasmdebug.Capture(1, l.guest)
}

// Raise delivers payload to the catch frames of the current lane as a
// SignalUnhandledException. It does not return.
func Raise(payload any) {
	panic(&raised{sig: Signal{Kind: SignalUnhandledException, Payload: payload}, pcs: wasmdebug.Callers(1)})
}

// Catch runs thunk with a catch frame pushed. It returns false if thunk
// returned normally.
//
// When thunk faults or raises, the filters of the active frames are consulted
// innermost first. The first to accept resumes: its Catch returns true. Frames
// in between are unwound with a panic, so their deferred calls run. A fault no
// frame accepts is passed to the global handler and the process exits. Panics
// which are not faults propagate unchanged.
func (l *Lane) Catch(thunk func(), filter Filter) (faulted bool) {
	f := &frame{filter: filter, guestDepth: len(l.guest)}
	l.frames = append(l.frames, f)
	index := len(l.frames) - 1

	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		l.frames = l.frames[:index]
		recovered := recover()
		if recovered == nil {
			return
		}
		if u, ok := recovered.(*unwind); ok {
			if u.target != f {
				panic(u)
			}
			l.guest = l.guest[:f.guestDepth]
			faulted = true
			return
		}

		sig, stack, ok := l.classify(recovered)
		if !ok {
			panic(recovered)
		}
		if filter(sig, stack) {
			l.guest = l.guest[:f.guestDepth]
			faulted = true
			return
		}
		for i := index - 1; i >= 0; i-- {
			if outer := l.frames[i]; outer.filter(sig, stack) {
				panic(&unwind{target: outer})
			}
		}
		unhandled(sig, stack)
		panic(recovered)
	}()

	thunk()
	return false
}

func (l *Lane) classify(recovered any) (Signal, wasmdebug.CallStack, bool) {
	switch v := recovered.(type) {
	case *raised:
		return v.sig, wasmdebug.NewCallStack(l.guest, v.pcs), true
	case runtime.Error:
		if withAddr, ok := v.(interface{ Addr() uintptr }); ok {
			addr := withAddr.Addr()
			stack := wasmdebug.Capture(2, l.guest)
			region, ok := platform.Lookup(addr)
			if !ok {
				fatalFault(addr, v, stack)
			}
			return Signal{Kind: SignalAccessViolation, Address: addr, Region: region}, stack, true
		}
		// Faults below the first page are reported without an address,
		// even with SetPanicOnFault. No region is mapped there.
		if v.Error() == "runtime error: invalid memory address or nil pointer dereference" {
			fatalFault(0, v, wasmdebug.Capture(2, l.guest))
		}
		if v.Error() == "runtime error: integer divide by zero" {
			return Signal{Kind: SignalIntDivideByZeroOrOverflow}, wasmdebug.Capture(2, l.guest), true
		}
	}
	return Signal{}, wasmdebug.CallStack{}, false
}
