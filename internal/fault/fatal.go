package fault

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/wasmdebug"
)

// Handler observes a signal no catch frame accepted, before the process
// exits.
type Handler func(sig Signal, stack wasmdebug.CallStack)

var globalHandler atomic.Pointer[Handler]

// InstallGlobalHandler registers the process-wide handler for unhandled
// signals. Only the first call has an effect; it returns false for later ones.
func InstallGlobalHandler(h Handler) bool {
	return globalHandler.CompareAndSwap(nil, &h)
}

// Exit codes of the fatal paths.
const (
	ExitUnhandledSignal = 1
	ExitHostFault       = 2
)

var (
	// exit terminates the process. Tests replace it.
	exit = os.Exit
	// diagnostics receives fatal reports in addition to the logger, which
	// may be a no-op.
	diagnostics io.Writer = os.Stderr
)

// fatalError is panicked if exit returns.
type fatalError struct {
	code int
	msg  string
}

func (e *fatalError) Error() string {
	return e.msg
}

func unhandled(sig Signal, stack wasmdebug.CallStack) {
	if h := globalHandler.Load(); h != nil {
		(*h)(sig, stack)
	}
	die(ExitUnhandledSignal, "unhandled "+sig.String(), stack,
		zap.Stringer("signal", sig))
}

// fatalFault reports a memory fault outside every guarded region. It is a
// defect of the host, or a sandbox escape, so no catch frame may see it.
func fatalFault(addr uintptr, err error, stack wasmdebug.CallStack) {
	die(ExitHostFault, fmt.Sprintf("fatal fault at %#x outside any guarded region: %v", addr, err), stack,
		zap.Uintptr("address", addr), zap.Error(err))
}

func die(code int, msg string, stack wasmdebug.CallStack, fields ...zap.Field) {
	s := stack.String()
	logging.Named("fault").Error(msg, append(fields, zap.String("stack", s))...)
	_ = logging.Logger().Sync()
	fmt.Fprintf(diagnostics, "%s\n%s\n", msg, s)
	exit(code)
	panic(&fatalError{code: code, msg: msg})
}
