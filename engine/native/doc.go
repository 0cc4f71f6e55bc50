// Package native calls functions in shared libraries loaded into the
// process, without cgo.
//
// Libraries are opened with dlopen through purego. A call whose arguments
// and result are all integers or pointers goes through purego.SyscallN;
// any other shape is registered once per function and shape with
// purego.RegisterFunc, which follows the platform C calling convention for
// floating point values and small structures. Entry points for callbacks
// are purego callbacks and are never freed, which is why the callback
// manager pools them.
//
// Variadic functions can take integer and pointer variadic arguments only,
// and are not supported on darwin/arm64, where variadic arguments are
// passed on the stack.
//
// Memory is the process address space and blocks come from the C
// allocator.
package native
