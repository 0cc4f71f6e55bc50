package transcoder

import "reflect"

// Long is a C long: 4 or 8 bytes depending on the platform.
type Long int64

// ULong is a C unsigned long.
type ULong uint64

// WString is a string marshaled as a NUL-terminated wchar_t array.
type WString string

// Union marks a structure as a C union when embedded:
//
//	type Value struct {
//	    transcoder.Union
//	    I int32
//	    F float64
//	}
type Union struct{}

// FieldOrderer declares the native order of a structure's fields. The list
// must name every marshaled field exactly once.
type FieldOrderer interface {
	FieldOrder() []string
}

// AlignmentProvider overrides the alignment rule for one structure type.
type AlignmentProvider interface {
	AlignmentRule() AlignmentRule
}

// MapperProvider supplies the type mapper used for a structure's fields.
type MapperProvider interface {
	TypeMapper() *TypeMapper
}

// UnionSelector names the union member written to native memory.
type UnionSelector interface {
	ActiveField() string
}

// AutoReader lets a structure passed by reference opt out of being re-read
// after a call returns.
type AutoReader interface {
	AutoRead() bool
}

// NativeMapped is implemented by types that convert themselves to a native
// representation. NativeType must be the same for every value of the type.
type NativeMapped interface {
	NativeType() reflect.Type
	ToNative() (any, error)
	FromNative(native any) (any, error)
}

// Callable marks handle types that are passed to native code as function
// pointers. Func-typed values are callable without implementing it.
type Callable interface {
	FuncType() reflect.Type
}
