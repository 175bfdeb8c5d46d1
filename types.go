package wasmrt

import "github.com/tetratelabs/wasmrt/internal/wasm"

// Aliases of the runtime object types, so hosts can name them.
type (
	Compartment        = wasm.Compartment
	Context            = wasm.Context
	Module             = wasm.Module
	ModuleDefinition   = wasm.ModuleDefinition
	ModuleImports      = wasm.ModuleImports
	FunctionDefinition = wasm.FunctionDefinition
	Export             = wasm.Export
	Function           = wasm.Function
	FunctionType       = wasm.FunctionType
	NativeFunc         = wasm.NativeFunc
	Memory             = wasm.Memory
	Table              = wasm.Table
	Global             = wasm.Global
	ExceptionType      = wasm.ExceptionType
	Exception          = wasm.Exception
	ResourceQuota      = wasm.ResourceQuota
	GCStats            = wasm.GCStats

	// Handle keeps an object alive until released.
	Handle[T wasm.Object] = wasm.Handle[T]
)
