// Package engine defines the primitive native call that the runtime is built
// on, and the backends that provide it.
//
// A backend loads libraries and performs calls on already marshaled frames:
// every argument is an abi.Arg holding either a scalar word or the bytes of
// an aggregate passed by value. Backends know nothing about Go types.
//
//	native/   process libraries through dlopen and purego, no cgo
//	sandbox/  wasm32 modules executed by wazero, with their own memory
//
// # Entry points
//
// Native code calls Go through entry points created by NewStub. Each entry
// point forwards to a Slot, and the Go code a slot dispatches to can be
// rebound, so that entry points of a given shape are pooled and reused as
// callbacks are released. Calls arriving at an unbound slot are logged and
// return zero.
//
// # Errno
//
// Backends capture the native error code right after a call, on the thread
// that made it, and report it in abi.Result.Errno. With Request.ClearErrno
// set, the code is reset before the call.
package engine
