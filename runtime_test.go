package wasmrt

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/testing/hammer"
	"github.com/tetratelabs/wasmrt/internal/wasm"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

// testConfig keeps compartment reservations small. Every runtime in this
// package must use the same reservation, as it can't change while
// compartments exist.
func testConfig() RuntimeConfig {
	return NewRuntimeConfig().WithCompartmentReservationLog2(24).WithMaxCallDepth(50)
}

func newTestRuntime(t *testing.T, cfg RuntimeConfig) *Runtime {
	r, err := NewRuntime(testCtx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, r.Close(testCtx)) })
	return r
}

var i64ToI64 = FunctionType{Params: []api.ValueType{api.ValueTypeI64}, Results: []api.ValueType{api.ValueTypeI64}}

// addModule exports "add", adding one to its param, and "unreachable".
var addModule = &ModuleDefinition{
	Functions: []wasm.FunctionDefinition{
		{Name: "add", Type: i64ToI64, Code: func(_ unsafe.Pointer, stack []uint64) { stack[0]++ }},
		{Name: "unreachable", Type: FunctionType{}, Code: func(unsafe.Pointer, []uint64) {
			wasm.ThrowException(wasm.TrapReachedUnreachable)
		}},
	},
	Exports: []wasm.Export{
		{Name: "add", Type: api.ExternTypeFunc, Index: 0},
		{Name: "unreachable", Type: api.ExternTypeFunc, Index: 1},
	},
}

func TestRuntime(t *testing.T) {
	registry := prometheus.NewRegistry()
	r := newTestRuntime(t, testConfig().WithMetricsRegisterer(registry))

	c, err := r.NewCompartment("c")
	require.NoError(t, err)
	ctx, err := r.NewContext(c.Get())
	require.NoError(t, err)
	mod, err := r.InstantiateModule(c.Get(), addModule, ModuleImports{}, "m", nil)
	require.NoError(t, err)

	add, ok := mod.Get().ExportedFunction("add")
	require.True(t, ok)
	results, err := r.Invoke(ctx.Get(), add, i64ToI64, 41)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	unreachable, _ := mod.Get().ExportedFunction("unreachable")
	_, err = r.Invoke(ctx.Get(), unreachable, FunctionType{})
	var e *Exception
	require.True(t, errors.As(err, &e))
	require.Equal(t, wasm.TrapReachedUnreachable, e.Type)

	count, err := testutil.GatherAndCount(registry, "wasmrt_fault_exceptions_total")
	require.NoError(t, err)
	require.NotZero(t, count)

	// Objects outlive a collection while the runtime holds them.
	r.CollectGarbage()
	results, err = r.Invoke(ctx.Get(), add, i64ToI64, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
}

func TestRuntime_CreateWhileCollecting(t *testing.T) {
	r := newTestRuntime(t, testConfig())

	stop := make(chan struct{})
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case <-stop:
				return
			default:
				r.CollectGarbage()
			}
		}
	}()

	P, N := 4, 20
	if testing.Short() {
		P, N = 2, 5
	}
	hammer.NewHammer(t, P, N).Run(func(p, n int) {
		c, err := r.NewCompartment("c")
		require.NoError(t, err)
		defer c.Release()
		ctx, err := r.NewContext(c.Get())
		require.NoError(t, err)
		defer ctx.Release()
		mod, err := r.InstantiateModule(c.Get(), addModule, ModuleImports{}, "m", nil)
		require.NoError(t, err)
		defer mod.Release()

		add, ok := mod.Get().ExportedFunction("add")
		require.True(t, ok)
		results, err := r.Invoke(ctx.Get(), add, i64ToI64, uint64(n))
		require.NoError(t, err)
		require.Equal(t, []uint64{uint64(n) + 1}, results)
	}, nil)
	close(stop)
	<-collected
}

func TestRuntime_Close(t *testing.T) {
	r, err := NewRuntime(testCtx, testConfig())
	require.NoError(t, err)

	c, err := r.NewCompartment("c")
	require.NoError(t, err)
	compartment := c.Get()
	require.Equal(t, int64(1), wasm.RootCount(compartment))

	require.NoError(t, r.Close(testCtx))
	require.NoError(t, r.Close(testCtx))
	require.Zero(t, wasm.RootCount(compartment))

	_, err = r.NewCompartment("c")
	require.ErrorIs(t, err, wasm.ErrInvalidArgument)
}

func TestRuntime_TryCollectCompartment(t *testing.T) {
	r := newTestRuntime(t, testConfig())

	c, err := r.NewCompartment("c")
	require.NoError(t, err)
	ctx, err := r.NewContext(c.Get())
	require.NoError(t, err)

	compartment := c.Get()
	// The context refers to the compartment.
	require.False(t, r.TryCollectCompartment(c))
	ctx.Release()
	require.True(t, r.TryCollectCompartment(wasm.NewHandle(compartment)))
}

func TestNewRuntime_Errors(t *testing.T) {
	ctx, cancel := context.WithCancel(testCtx)
	cancel()
	_, err := NewRuntime(ctx, testConfig())
	require.ErrorIs(t, err, context.Canceled)

	_, err = NewRuntime(testCtx, testConfig().WithCompartmentReservationLog2(2))
	require.ErrorIs(t, err, wasm.ErrInvalidArgument)
}

func TestRuntime_LoadObjectCode(t *testing.T) {
	dir := t.TempDir()
	source := []byte("module")
	var compiled int
	compile := func(source []byte) ([]byte, error) {
		compiled++
		return append([]byte("object:"), source...), nil
	}

	r, err := NewRuntime(testCtx, testConfig().WithObjectCacheDir(dir))
	require.NoError(t, err)
	objectCode, err := r.LoadObjectCode(source, compile)
	require.NoError(t, err)
	require.Equal(t, []byte("object:module"), objectCode)
	_, err = r.LoadObjectCode(source, compile)
	require.NoError(t, err)
	require.Equal(t, 1, compiled)
	require.NoError(t, r.Close(testCtx))

	// The cache outlives the runtime.
	r = newTestRuntime(t, testConfig().WithObjectCacheDir(dir))
	objectCode, err = r.LoadObjectCode(source, compile)
	require.NoError(t, err)
	require.Equal(t, []byte("object:module"), objectCode)
	require.Equal(t, 1, compiled)

	_, err = r.LoadObjectCode([]byte("other"), func([]byte) ([]byte, error) { return nil, errors.New("invalid") })
	require.EqualError(t, err, "invalid")
}

func TestRuntime_ObjectCacheFailsOpen(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	t.Cleanup(func() { logging.SetLogger(nil) })

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))
	r := newTestRuntime(t, testConfig().WithLogger(zap.New(core)).WithObjectCacheDir(filepath.Join(file, "cache")))
	require.Equal(t, 1, logs.FilterMessage("object cache disabled").Len())

	var compiled int
	for i := 0; i < 2; i++ {
		_, err := r.LoadObjectCode([]byte("module"), func(source []byte) ([]byte, error) {
			compiled++
			return source, nil
		})
		require.NoError(t, err)
	}
	require.Equal(t, 2, compiled)
}
