// Package callback exposes Go functions to native code as function
// pointers.
//
// A Manager creates entry points through its library's engine and binds
// each one to a Callback. The same Callback maps to the same address for
// as long as it is reachable. Once it is unreachable, or released
// explicitly, the entry point is unbound after any dispatch in flight
// returns and is pooled for the next callback of the same convention and
// shape.
//
//	cb := callback.MustNew(func(a, b *Item) int32 { return compare(a, b) })
//	addr, err := mgr.Expose(codec, cb, abi.ConventionC)
//	...
//	runtime.KeepAlive(cb) // while native code may call addr
//
// Arguments and results are converted with the codec the callback was
// exposed with. Structures received by reference are written back after
// the callback returns. A callback that panics or returns an error reports
// to the Handler and native code receives the zero value.
//
// Plain func values have no identity. Converted inside a Scope they live
// until the scope is closed; converted by the Manager directly they stay
// registered until Release.
package callback
