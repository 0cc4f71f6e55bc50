// Package sandbox runs wasm32 modules as native libraries.
//
// A module built by clang for wasm32 follows the C data model of
// abi.Wasm32: 4-byte pointers, function pointers are indices into the
// module's function table, aggregates are passed through pointers to copies
// unless they wrap a single scalar, and variadic arguments are packed into
// a buffer whose address is the last parameter. The engine exposes linear
// memory as a memory.Space whose allocator is the module's own malloc and
// free, and reads errno through __errno_location.
//
// Exported functions resolve to addresses above the table range. They can
// be called from Go but are not function pointers native code can call.
//
// # Callbacks
//
// Native code reaches Go through trampolines: functions the module imports
// from the "ffi" module, named trampoline0, trampoline1 and so on. The
// module exports __ffi_trampoline(n), which returns the function pointer of
// trampoline n. NewStub assigns a free trampoline whose wasm type matches
// the callback signature. A module declares as many trampolines per shape
// as it needs live callbacks.
//
//	eng, _ := sandbox.New(ctx, nil)
//	lib, err := eng.Load(ctx, "mathlib", wasmBytes)
//	if err != nil {
//	    return err
//	}
//	defer lib.Close(ctx)
//	addr, _ := lib.Lookup("add")
package sandbox
