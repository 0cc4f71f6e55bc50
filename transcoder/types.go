package transcoder

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/transcoder/internal/types"
)

type TypeKind = types.Kind

const (
	KindBool         = types.KindBool
	KindS8           = types.KindS8
	KindU8           = types.KindU8
	KindS16          = types.KindS16
	KindU16          = types.KindU16
	KindS32          = types.KindS32
	KindU32          = types.KindU32
	KindS64          = types.KindS64
	KindU64          = types.KindU64
	KindF32          = types.KindF32
	KindF64          = types.KindF64
	KindPointer      = types.KindPointer
	KindBlock        = types.KindBlock
	KindString       = types.KindString
	KindWString      = types.KindWString
	KindStringArray  = types.KindStringArray
	KindWStringArray = types.KindWStringArray
	KindStruct       = types.KindStruct
	KindUnion        = types.KindUnion
	KindArray        = types.KindArray
	KindSlice        = types.KindSlice
	KindStructRef    = types.KindStructRef
	KindScalarRef    = types.KindScalarRef
	KindStructHandle = types.KindStructHandle
	KindCallback     = types.KindCallback
	KindMapped       = types.KindMapped
	KindConverted    = types.KindConverted
	KindObject       = types.KindObject
)

// CompiledType is the native layout of a Go type under one alignment rule
// and type mapper. Compiled types are immutable and shared.
type CompiledType struct {
	GoType    reflect.Type
	Elem      *CompiledType // arrays, slices and references
	Native    *CompiledType // native side of mapped and converted types
	Converter Converter
	Mapper    *TypeMapper
	Fields    []Field
	ABI       abi.Type // shape in a call frame
	Size      uint64
	Align     uint64
	Len       int // array length; element count of instance slice layouts
	Kind      TypeKind
	Rule      AlignmentRule // effective rule of structures and unions
	// Variable is set when the native size depends on the value, as with
	// slice fields. Such layouts are computed per instance and never cached.
	Variable bool
	instance bool
}

// Field is one member of a structure or union layout.
type Field struct {
	Type     *CompiledType
	Name     string
	Index    int // Go struct field index
	Offset   uint64
	Size     uint64
	Volatile bool // skipped by automatic writes
	ReadOnly bool // never written to native memory
}

// Field returns the member called name.
func (ct *CompiledType) Field(name string) (*Field, bool) {
	for i := range ct.Fields {
		if ct.Fields[i].Name == name {
			return &ct.Fields[i], true
		}
	}
	return nil, false
}

// Offsets returns the member offsets in layout order.
func (ct *CompiledType) Offsets() []uint64 {
	out := make([]uint64, len(ct.Fields))
	for i, f := range ct.Fields {
		out[i] = f.Offset
	}
	return out
}

// IsPure reports whether values marshal without temporary native storage.
func (ct *CompiledType) IsPure() bool {
	switch ct.Kind {
	case KindStruct, KindUnion:
		for _, f := range ct.Fields {
			if !f.Type.IsPure() {
				return false
			}
		}
		return true
	case KindArray:
		return ct.Elem.IsPure()
	case KindMapped, KindConverted:
		return ct.Native.IsPure()
	case KindPointer, KindBlock:
		return true
	}
	return ct.Kind.IsScalar()
}

func (ct *CompiledType) String() string {
	switch ct.Kind {
	case KindStruct, KindUnion:
		parts := make([]string, len(ct.Fields))
		for i, f := range ct.Fields {
			parts[i] = fmt.Sprintf("%s %s@%d", f.Name, f.Type.Kind, f.Offset)
		}
		return fmt.Sprintf("%s %s{%s}[%d/%d]", ct.GoType, ct.Kind, strings.Join(parts, "; "), ct.Size, ct.Align)
	}
	return fmt.Sprintf("%s %s[%d/%d]", ct.GoType, ct.Kind, ct.Size, ct.Align)
}
