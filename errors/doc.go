// Package errors defines the error type shared by every layer of the FFI
// runtime.
//
// An Error names the Phase that failed (layout, link, encode, decode,
// invoke, native, callback, memory, load, parse) and a Kind. It also
// carries whatever context applies: the field path inside a marshaled
// value, the Go and native type names, the native symbol, and for native
// errors the code native code reported.
//
// Layout code builds errors with the chained Builder:
//
//	errors.New(errors.PhaseLayout, errors.KindUnsupported).
//		Path("Outer", "Items").
//		GoType("[]chan int").
//		Detail("array elements must have a fixed size").
//		Build()
//
// The invocation path mostly uses the constructors:
//
//	errors.Unresolved("missing_fn", cause)
//	errors.Native("open", 2, "ENOENT")
//
// Is compares Phase and Kind only, so a template works as an errors.Is
// target:
//
//	errors.Is(err, &errors.Error{Phase: errors.PhaseLink, Kind: errors.KindUnresolved})
package errors
