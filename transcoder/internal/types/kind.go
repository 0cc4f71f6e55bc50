package types

// Kind classifies how a Go type is marshaled.
type Kind uint8

const (
	KindBool Kind = iota
	KindS8
	KindU8
	KindS16
	KindU16
	KindS32
	KindU32
	KindS64
	KindU64
	KindF32
	KindF64
	KindPointer
	KindBlock
	KindString
	KindWString
	KindStringArray
	KindWStringArray
	KindStruct
	KindUnion
	KindArray
	KindSlice
	KindStructRef
	KindScalarRef
	KindStructHandle
	KindCallback
	KindMapped
	KindConverted
	KindObject
)

var kindNames = [...]string{
	KindBool:         "bool",
	KindS8:           "s8",
	KindU8:           "u8",
	KindS16:          "s16",
	KindU16:          "u16",
	KindS32:          "s32",
	KindU32:          "u32",
	KindS64:          "s64",
	KindU64:          "u64",
	KindF32:          "f32",
	KindF64:          "f64",
	KindPointer:      "pointer",
	KindBlock:        "block",
	KindString:       "string",
	KindWString:      "wstring",
	KindStringArray:  "string_array",
	KindWStringArray: "wstring_array",
	KindStruct:       "struct",
	KindUnion:        "union",
	KindArray:        "array",
	KindSlice:        "slice",
	KindStructRef:    "struct_ref",
	KindScalarRef:    "scalar_ref",
	KindStructHandle: "struct_handle",
	KindCallback:     "callback",
	KindMapped:       "mapped",
	KindConverted:    "converted",
	KindObject:       "object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// IsScalar reports whether values of the kind fit a single integer or
// floating point register.
func (k Kind) IsScalar() bool {
	return k <= KindF64
}

func (k Kind) IsSigned() bool {
	switch k {
	case KindS8, KindS16, KindS32, KindS64:
		return true
	}
	return false
}

func (k Kind) IsFloat() bool {
	return k == KindF32 || k == KindF64
}

// IsAggregate reports whether the kind is laid out inline with members.
func (k Kind) IsAggregate() bool {
	switch k {
	case KindStruct, KindUnion, KindArray:
		return true
	}
	return false
}

// IsReference reports whether the native form is an address.
func (k Kind) IsReference() bool {
	switch k {
	case KindPointer, KindBlock, KindString, KindWString, KindStringArray, KindWStringArray,
		KindSlice, KindStructRef, KindScalarRef, KindStructHandle, KindCallback, KindObject:
		return true
	}
	return false
}

// ScalarKind returns the integer kind of the given width and signedness.
func ScalarKind(size uint64, signed bool) Kind {
	switch size {
	case 1:
		if signed {
			return KindS8
		}
		return KindU8
	case 2:
		if signed {
			return KindS16
		}
		return KindU16
	case 4:
		if signed {
			return KindS32
		}
		return KindU32
	}
	if signed {
		return KindS64
	}
	return KindU64
}
