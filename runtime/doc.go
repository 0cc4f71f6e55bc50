// Package runtime calls native library functions with Go values.
//
// # Quick Start
//
//	ctx := context.Background()
//	eng, err := sandbox.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	lib, err := runtime.Open(ctx, eng, "libm.wasm", runtime.WithThrowLastError())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer lib.Close(ctx)
//
//	n, err := lib.Function("strlen").InvokeInt64(ctx, "hello")
//
// # Binding
//
// Bind fills a struct of func fields once per struct type:
//
//	type Libc struct {
//	    Strlen func(string) uint64
//	    Printf func(format string, args ...any) (int32, error) `ffi:"printf"`
//	    Qsort  func(base []int32, n, size uint64, cmp func(a, b *int32) int32)
//	}
//
//	var libc Libc
//	if err := lib.Bind(&libc); err != nil {
//	    log.Fatal(err)
//	}
//
// # Type Mapping
//
// The declared type of an argument selects its native form:
//
//	Go Type                  Native
//	──────────────────────────────────────────
//	int8..int64, uint8..     fixed-width integers
//	bool                     int32 (0 or 1)
//	float32, float64         float, double
//	transcoder.Long          long
//	string                   const char * (library encoding)
//	transcoder.WString       const wchar_t *
//	[]string                 NULL-terminated char **
//	T (struct)               struct by value
//	*T (struct)              struct by reference, read back after the call
//	*int32 etc.              scalar by reference
//	[]T                      array, read back after the call
//	func, *callback.Callback function pointer
//	memory.Pointer           void *
//
// # Variadic Functions
//
// Arguments after the declared parameters take their native type from
// their dynamic type with C promotions: small integers widen to int and
// float32 widens to double. A NULL pointer is appended after the last one.
//
// # Errors
//
// Every call clears errno first. The code after the call is stored for the
// calling OS thread and returned by LastError; with ThrowLastError a
// non-zero code fails the call with an *errors.Error of KindNative.
//
// # Thread Safety
//
// Libraries and functions are safe for concurrent use. With Synchronized,
// calls into one library are serialized; callbacks must not call back into
// a synchronized library.
package runtime
