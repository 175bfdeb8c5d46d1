// Package wasmrt is the execution substrate for compiled WebAssembly: the
// runtime objects generated code operates on, their guarded memory, the
// translation of hardware faults into exceptions, and a tracing collector.
//
// Compiled code is supplied as native entry points (wasm.NativeFunc) in a
// wasm.ModuleDefinition; wasmrt does not compile WebAssembly itself.
package wasmrt

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/fault"
	"github.com/tetratelabs/wasmrt/internal/filecache"
	"github.com/tetratelabs/wasmrt/internal/logging"
	"github.com/tetratelabs/wasmrt/internal/metrics"
	"github.com/tetratelabs/wasmrt/internal/wasm"
	"github.com/tetratelabs/wasmrt/internal/wasmdebug"
)

// objectCodeVersion is part of every object cache key, so that a change to
// the calling convention invalidates entries compiled against the old one.
const objectCodeVersion = "wasmrt-1"

// Runtime owns the compartments a host creates through it, and the object
// code cache.
//
// Objects aren't owned by a Runtime once created: they live until they are
// unreachable from any handle and a collection runs.
type Runtime struct {
	logger *zap.Logger

	cache     filecache.Cache
	fileCache *filecache.FileCache

	mu      sync.Mutex
	handles []interface{ Release() }
	closed  bool
}

// NewRuntime applies cfg and returns a Runtime. cfg may be nil for the
// defaults.
//
// The reservation settings, logger and fault handler are process-wide. The
// object cache is optional: failing to open it is logged and the Runtime
// compiles every module.
func NewRuntime(ctx context.Context, cfg RuntimeConfig) (*Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	config, ok := cfg.(*runtimeConfig)
	if !ok {
		config = defaultConfig
	}

	if config.logger != nil {
		logging.SetLogger(config.logger)
	}
	if err := wasm.SetConfig(config.wasm); err != nil {
		return nil, fmt.Errorf("new runtime: %w", err)
	}
	if config.metricsRegisterer != nil {
		if err := metrics.Register(config.metricsRegisterer); err != nil {
			return nil, fmt.Errorf("new runtime: registering metrics: %w", err)
		}
	}
	fault.InstallGlobalHandler(reportUnhandled)

	r := &Runtime{logger: logging.Named("runtime")}
	if config.objectCacheDir != "" {
		fc, err := filecache.Open(config.objectCacheDir, config.objectCacheMaxBytes)
		if err != nil {
			r.logger.Warn("object cache disabled", zap.String("dir", config.objectCacheDir), zap.Error(err))
		} else {
			r.cache, r.fileCache = fc, fc
		}
	}
	return r, nil
}

// reportUnhandled logs a fault no catch frame accepted, just before the
// process exits.
func reportUnhandled(sig fault.Signal, stack wasmdebug.CallStack) {
	logging.Named("runtime").Error("unhandled signal",
		zap.Stringer("signal", sig), zap.String("stack", stack.String()))
}

func (r *Runtime) track(h interface{ Release() }) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		h.Release()
		return fmt.Errorf("%w: runtime closed", wasm.ErrInvalidArgument)
	}
	r.handles = append(r.handles, h)
	return nil
}

// NewCompartment creates a compartment. The returned handle keeps it alive
// until it is released, or the Runtime is closed.
func (r *Runtime) NewCompartment(name string) (*Handle[*Compartment], error) {
	// No collection may run between creating the object and rooting it.
	defer wasm.HoldCollector()()
	c, err := wasm.CreateCompartment(name)
	if err != nil {
		return nil, err
	}
	h := wasm.NewHandle(c)
	if err = r.track(h); err != nil {
		return nil, err
	}
	return h, nil
}

// NewContext creates an execution context in c. The returned handle keeps
// it alive until it is released, or the Runtime is closed.
func (r *Runtime) NewContext(c *Compartment) (*Handle[*Context], error) {
	defer wasm.HoldCollector()()
	ctx, err := wasm.CreateContext(c)
	if err != nil {
		return nil, err
	}
	h := wasm.NewHandle(ctx)
	if err = r.track(h); err != nil {
		return nil, err
	}
	return h, nil
}

// InstantiateModule instantiates def in c. The returned handle keeps the
// module alive until it is released, or the Runtime is closed.
func (r *Runtime) InstantiateModule(c *Compartment, def *ModuleDefinition, imports ModuleImports, name string, quota *ResourceQuota) (*Handle[*Module], error) {
	defer wasm.HoldCollector()()
	m, err := wasm.InstantiateModule(c, def, imports, name, quota)
	if err != nil {
		return nil, err
	}
	h := wasm.NewHandle(m)
	if err = r.track(h); err != nil {
		return nil, err
	}
	return h, nil
}

// Invoke calls fn on ctx, returning its results or the *Exception it
// raised. sig must be the type of fn.
func (r *Runtime) Invoke(ctx *Context, fn *Function, sig FunctionType, args ...uint64) ([]uint64, error) {
	results, err := wasm.Invoke(ctx, fn, sig, args)
	var e *Exception
	if errors.As(err, &e) && !e.IsUserException {
		r.logger.Debug("invoke trapped", zap.String("function", fn.Name()), zap.String("exception", e.Describe()))
	}
	return results, err
}

// CollectGarbage frees every object unreachable from a handle or root.
func (r *Runtime) CollectGarbage() GCStats {
	return wasm.CollectGarbage()
}

// TryCollectCompartment releases h and collects garbage. It returns true if
// the compartment was freed, and false if objects in it are still
// reachable.
func (r *Runtime) TryCollectCompartment(h *Handle[*Compartment]) bool {
	return wasm.TryCollectCompartment(h)
}

// LoadObjectCode returns the object code compiled from source, from the
// object cache when present. Otherwise it calls compile and caches the
// result.
func (r *Runtime) LoadObjectCode(source []byte, compile func(source []byte) ([]byte, error)) ([]byte, error) {
	if r.cache == nil {
		return compile(source)
	}
	key := filecache.NewKey([]byte(objectCodeVersion), []byte(runtime.GOOS+"/"+runtime.GOARCH), source)
	if objectCode, ok := r.cache.Lookup(key); ok {
		return objectCode, nil
	}
	objectCode, err := compile(source)
	if err != nil {
		return nil, err
	}
	r.cache.Insert(key, objectCode)
	return objectCode, nil
}

// Close releases every handle returned by the Runtime, collects garbage
// and closes the object cache. Handles released by the caller already are
// skipped.
func (r *Runtime) Close(context.Context) (err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.handles
	r.handles = nil
	r.mu.Unlock()

	for _, h := range handles {
		h.Release()
	}
	stats := wasm.CollectGarbage()
	r.logger.Debug("runtime closed", zap.Int("collected", stats.Garbage))
	if r.fileCache != nil {
		err = r.fileCache.Close()
	}
	return err
}
