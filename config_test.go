package wasmrt

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tetratelabs/wasmrt/internal/wasm"
)

func TestRuntimeConfig(t *testing.T) {
	logger := zap.NewExample()
	registry := prometheus.NewRegistry()

	tests := []struct {
		name     string
		with     func(RuntimeConfig) RuntimeConfig
		expected func(*runtimeConfig)
	}{
		{
			name:     "WithMemory32ReservationBytes",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithMemory32ReservationBytes(1 << 20) },
			expected: func(c *runtimeConfig) { c.wasm.Memory32ReservedBytes = 1 << 20 },
		},
		{
			name:     "WithMemory64MaxReservationBytes",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithMemory64MaxReservationBytes(1 << 30) },
			expected: func(c *runtimeConfig) { c.wasm.Memory64MaxReservedBytes = 1 << 30 },
		},
		{
			name:     "WithGuardBytes",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithGuardBytes(0) },
			expected: func(c *runtimeConfig) { c.wasm.GuardBytes = 0 },
		},
		{
			name:     "WithReserveDeclaredMaxOnly",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithReserveDeclaredMaxOnly(true) },
			expected: func(c *runtimeConfig) { c.wasm.ReserveDeclaredMaxOnly = true },
		},
		{
			name:     "WithTableMaxElements",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithTableMaxElements(10) },
			expected: func(c *runtimeConfig) { c.wasm.TableMaxElements = 10 },
		},
		{
			name:     "WithCompartmentReservationLog2",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithCompartmentReservationLog2(24) },
			expected: func(c *runtimeConfig) { c.wasm.CompartmentReservationLog2 = 24 },
		},
		{
			name:     "WithMaxCallDepth",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithMaxCallDepth(5) },
			expected: func(c *runtimeConfig) { c.wasm.MaxCallDepth = 5 },
		},
		{
			name:     "WithLogger",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithLogger(logger) },
			expected: func(c *runtimeConfig) { c.logger = logger },
		},
		{
			name:     "WithMetricsRegisterer",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithMetricsRegisterer(registry) },
			expected: func(c *runtimeConfig) { c.metricsRegisterer = registry },
		},
		{
			name:     "WithObjectCacheDir",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithObjectCacheDir("cache") },
			expected: func(c *runtimeConfig) { c.objectCacheDir = "cache" },
		},
		{
			name:     "WithObjectCacheMaxBytes",
			with:     func(c RuntimeConfig) RuntimeConfig { return c.WithObjectCacheMaxBytes(0) },
			expected: func(c *runtimeConfig) { c.objectCacheMaxBytes = 0 },
		},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			input := NewRuntimeConfig()
			rc := tc.with(input)
			expected := defaultConfig.clone()
			tc.expected(expected)
			require.Equal(t, expected, rc)
			// The original wasn't modified
			require.Equal(t, defaultConfig, input)
		})
	}
}

func TestNewRuntimeConfig_Defaults(t *testing.T) {
	c := NewRuntimeConfig().(*runtimeConfig)
	require.Equal(t, wasm.DefaultConfig, c.wasm)
	require.Equal(t, uint64(1<<30), c.objectCacheMaxBytes)
	require.Nil(t, c.logger)
	require.Empty(t, c.objectCacheDir)
}
