package engine

import (
	"context"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/memory"
)

// Library is a native library loaded by a call engine.
//
// Function addresses are engine specific: a native engine uses process
// addresses, the sandbox uses wasm function pointers. Addresses returned by
// Lookup and NewStub, and function pointers read from library memory, are
// all valid Call targets.
type Library interface {
	Name() string

	// Space is the memory native code of this library addresses.
	Space() *memory.Space

	// Lookup resolves an exported function.
	Lookup(symbol string) (uint64, error)

	// Call invokes the function at fn. It must not retain frame memory
	// after returning.
	Call(ctx context.Context, fn uint64, req Request) (abi.Result, error)

	// NewStub creates a native entry point with the given signature that
	// forwards to whatever is bound to slot. Entry points live as long as the
	// library.
	NewStub(conv abi.CallingConvention, sig abi.Signature, slot *Slot) (uint64, error)

	Close(ctx context.Context) error
}

// Request is one native call.
type Request struct {
	Frame      abi.Frame
	Ret        abi.Type
	Convention abi.CallingConvention
	// ClearErrno resets the native error code before the call so that a
	// non-zero code afterwards is attributable to it.
	ClearErrno bool
}

// Loader opens libraries by name.
type Loader interface {
	Open(ctx context.Context, name string) (Library, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name string) (Library, error)

func (f LoaderFunc) Open(ctx context.Context, name string) (Library, error) {
	return f(ctx, name)
}
