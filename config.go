package wasmrt

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/wasm"
)

// RuntimeConfig controls runtime behavior, with the default implementation
// as NewRuntimeConfig.
//
// The reservation settings are process-wide: they apply to every object
// created after NewRuntime, whichever Runtime creates it.
//
// Note: RuntimeConfig is immutable. Each WithXXX function returns a new
// instance including the corresponding change.
type RuntimeConfig interface {
	// WithMemory32ReservationBytes sets the address space reserved for each
	// memory with 32-bit indices, guard pages included. Defaults to 8 GiB,
	// which contains any 32-bit index plus 32-bit offset so no access needs
	// a bounds check.
	//
	// A memory's usable size plus the minimum guard is reserved even when
	// this is lower. Accesses past the reservation are checked in software.
	WithMemory32ReservationBytes(bytes uint64) RuntimeConfig

	// WithMemory64MaxReservationBytes caps the usable address space reserved
	// for a memory with 64-bit indices. Defaults to 1 TiB. A memory can't
	// grow past its reservation.
	WithMemory64MaxReservationBytes(bytes uint64) RuntimeConfig

	// WithGuardBytes sets the minimum guard following every memory and
	// table. Defaults to 64 KiB.
	WithGuardBytes(bytes uint64) RuntimeConfig

	// WithReserveDeclaredMaxOnly reserves only the declared maximum of each
	// 32-bit memory instead of the full 32-bit range. Defaults to false.
	WithReserveDeclaredMaxOnly(enabled bool) RuntimeConfig

	// WithTableMaxElements caps the number of elements of any table.
	// Defaults to 1<<24.
	WithTableMaxElements(elements uint64) RuntimeConfig

	// WithCompartmentReservationLog2 sets log2 of the size and alignment of
	// the runtime data reserved for each compartment. Defaults to 32.
	//
	// Note: This can't change while any compartment exists.
	WithCompartmentReservationLog2(log2 uint) RuntimeConfig

	// WithMaxCallDepth sets the number of nested guest calls which raise a
	// stack overflow exception. Defaults to 10000.
	WithMaxCallDepth(depth int) RuntimeConfig

	// WithLogger sets the logger the runtime reports to. Defaults to a no-op
	// logger.
	WithLogger(logger *zap.Logger) RuntimeConfig

	// WithMetricsRegisterer registers the runtime's prometheus collectors
	// with r. Defaults to nil, which exports no metrics.
	WithMetricsRegisterer(r prometheus.Registerer) RuntimeConfig

	// WithObjectCacheDir enables the object code cache used by
	// Runtime.LoadObjectCode, stored in dir. Defaults to "", no cache.
	WithObjectCacheDir(dir string) RuntimeConfig

	// WithObjectCacheMaxBytes bounds the object code cache, evicting the
	// least recently used entries. Defaults to 1 GiB. Zero means no limit.
	WithObjectCacheMaxBytes(bytes uint64) RuntimeConfig
}

type runtimeConfig struct {
	wasm                wasm.Config
	logger              *zap.Logger
	metricsRegisterer   prometheus.Registerer
	objectCacheDir      string
	objectCacheMaxBytes uint64
}

var defaultConfig = &runtimeConfig{
	wasm:                wasm.DefaultConfig,
	objectCacheMaxBytes: 1 << 30,
}

// NewRuntimeConfig returns a RuntimeConfig with the defaults.
func NewRuntimeConfig() RuntimeConfig {
	return defaultConfig.clone()
}

// clone makes a copy of this runtime config.
func (c *runtimeConfig) clone() *runtimeConfig {
	ret := *c
	return &ret
}

// WithMemory32ReservationBytes implements RuntimeConfig.WithMemory32ReservationBytes
func (c *runtimeConfig) WithMemory32ReservationBytes(bytes uint64) RuntimeConfig {
	ret := c.clone()
	ret.wasm.Memory32ReservedBytes = bytes
	return ret
}

// WithMemory64MaxReservationBytes implements RuntimeConfig.WithMemory64MaxReservationBytes
func (c *runtimeConfig) WithMemory64MaxReservationBytes(bytes uint64) RuntimeConfig {
	ret := c.clone()
	ret.wasm.Memory64MaxReservedBytes = bytes
	return ret
}

// WithGuardBytes implements RuntimeConfig.WithGuardBytes
func (c *runtimeConfig) WithGuardBytes(bytes uint64) RuntimeConfig {
	ret := c.clone()
	ret.wasm.GuardBytes = bytes
	return ret
}

// WithReserveDeclaredMaxOnly implements RuntimeConfig.WithReserveDeclaredMaxOnly
func (c *runtimeConfig) WithReserveDeclaredMaxOnly(enabled bool) RuntimeConfig {
	ret := c.clone()
	ret.wasm.ReserveDeclaredMaxOnly = enabled
	return ret
}

// WithTableMaxElements implements RuntimeConfig.WithTableMaxElements
func (c *runtimeConfig) WithTableMaxElements(elements uint64) RuntimeConfig {
	ret := c.clone()
	ret.wasm.TableMaxElements = elements
	return ret
}

// WithCompartmentReservationLog2 implements RuntimeConfig.WithCompartmentReservationLog2
func (c *runtimeConfig) WithCompartmentReservationLog2(log2 uint) RuntimeConfig {
	ret := c.clone()
	ret.wasm.CompartmentReservationLog2 = log2
	return ret
}

// WithMaxCallDepth implements RuntimeConfig.WithMaxCallDepth
func (c *runtimeConfig) WithMaxCallDepth(depth int) RuntimeConfig {
	ret := c.clone()
	ret.wasm.MaxCallDepth = depth
	return ret
}

// WithLogger implements RuntimeConfig.WithLogger
func (c *runtimeConfig) WithLogger(logger *zap.Logger) RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithMetricsRegisterer implements RuntimeConfig.WithMetricsRegisterer
func (c *runtimeConfig) WithMetricsRegisterer(r prometheus.Registerer) RuntimeConfig {
	ret := c.clone()
	ret.metricsRegisterer = r
	return ret
}

// WithObjectCacheDir implements RuntimeConfig.WithObjectCacheDir
func (c *runtimeConfig) WithObjectCacheDir(dir string) RuntimeConfig {
	ret := c.clone()
	ret.objectCacheDir = dir
	return ret
}

// WithObjectCacheMaxBytes implements RuntimeConfig.WithObjectCacheMaxBytes
func (c *runtimeConfig) WithObjectCacheMaxBytes(bytes uint64) RuntimeConfig {
	ret := c.clone()
	ret.objectCacheMaxBytes = bytes
	return ret
}
