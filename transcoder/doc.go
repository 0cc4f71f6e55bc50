// Package transcoder converts Go values to and from native memory.
//
// A Compiler turns Go types into CompiledType layouts for one platform,
// honoring the structure alignment rule and the type mapper in effect.
// Layouts are cached per (type, mapper, rule); structures whose size
// depends on the value, such as those with slice fields, get per-instance
// layouts instead.
//
// A Codec combines a compiler with an address space and a Scope (mapper,
// charset, callback registry) and provides Encode and Decode. Call lowers
// arguments into abi.Arg values for one invocation, lifts the result and
// reads memory passed by reference back into Go values afterwards.
//
// Type resolution order: converters registered in the TypeMapper, the
// built-in identity types (memory.Pointer, *memory.Block, *Struct, WString,
// Long, ULong), NativeMapped implementations, function types, and finally
// the Go kind of the type.
package transcoder
