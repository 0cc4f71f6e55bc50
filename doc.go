// Package ffiruntime provides a dynamic foreign function interface for Go.
//
// Go values are marshaled to native ABI representations at run time, driven by
// reflection instead of generated bindings. The library computes C compatible
// structure layouts, invokes native functions with marshaled arguments and
// exposes Go functions to native code as callable function pointers.
//
// # Architecture Overview
//
//	ffiruntime/          Root package with core Memory and Allocator interfaces
//	├── abi/             Platforms, native kinds, calling conventions, call frames
//	├── charset/         String encodings for char* and wchar_t* data
//	├── memory/          Pointer (unowned address) and Block (owned allocation)
//	├── transcoder/      Value codec and structure layout engine
//	├── engine/          Native call backends
//	│   ├── native/      Process native code through purego (no cgo)
//	│   └── sandbox/     wasm32 libraries executed by wazero
//	├── callback/        Trampolines that let native code call Go
//	├── resource/        Handle table and background reclamation
//	├── runtime/         Libraries, functions, binding and invocation
//	├── errors/          Structured error types
//	└── cmd/layout/      Layout inspector for C structure declarations
//
// # Quick Start
//
//	eng, err := native.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	lib, err := runtime.Open(eng, "libc.so.6")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lib.Close()
//
//	var libc struct {
//	    Strlen func(s string) uint64 `ffi:"strlen"`
//	    Abs    func(v int32) int32   `ffi:"abs"`
//	}
//	if err := lib.Bind(&libc); err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(libc.Strlen("hello")) // 5
//
// # Structures
//
// Go structs map to C structures. Declaring a parameter as T passes the
// structure by value, *T passes it by reference and re-reads it after the
// call. Field order is the Go declaration order unless the type implements
// transcoder.FieldOrderer.
//
//	type Point struct {
//	    X, Y int32
//	}
//
// # Thread Safety
//
// Libraries, functions and compiled layouts are safe for concurrent use.
// Native calls block the calling goroutine on a locked OS thread for the
// duration of the call.
package ffiruntime
