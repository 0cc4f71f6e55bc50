package abi

import (
	"fmt"
	"math"
	"strings"
)

// Kind is the primitive native type of a value as seen by a calling convention.
type Kind uint8

const (
	Void Kind = iota
	Sint8
	Uint8
	Sint16
	Uint16
	Sint32
	Uint32
	Sint64
	Uint64
	Float32
	Float64
	Pointer
	Struct
)

var kindNames = [...]string{
	Void:    "void",
	Sint8:   "sint8",
	Uint8:   "uint8",
	Sint16:  "sint16",
	Uint16:  "uint16",
	Sint32:  "sint32",
	Uint32:  "uint32",
	Sint64:  "sint64",
	Uint64:  "uint64",
	Float32: "float",
	Float64: "double",
	Pointer: "pointer",
	Struct:  "struct",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

func (k Kind) IsFloat() bool {
	return k == Float32 || k == Float64
}

func (k Kind) IsSigned() bool {
	switch k {
	case Sint8, Sint16, Sint32, Sint64:
		return true
	}
	return false
}

func (k Kind) IsInteger() bool {
	return k >= Sint8 && k <= Uint64
}

// Size returns the width of a scalar kind; pointer and struct widths depend on
// the platform and the aggregate.
func (k Kind) Size() uint64 {
	switch k {
	case Sint8, Uint8:
		return 1
	case Sint16, Uint16:
		return 2
	case Sint32, Uint32, Float32:
		return 4
	case Sint64, Uint64, Float64:
		return 8
	}
	return 0
}

// Member is a scalar leaf of an aggregate at a byte offset.
type Member struct {
	Offset uint64
	Kind   Kind
	Size   uint64
}

// Type is the native shape of a single argument or return value.
type Type struct {
	Members []Member // flattened scalar leaves, Struct only
	Size    uint64
	Align   uint64
	Kind    Kind
}

// Scalar returns the Type for a primitive kind on platform p.
func Scalar(k Kind, p Platform) Type {
	switch k {
	case Void:
		return Type{Kind: Void}
	case Pointer:
		return Type{Kind: Pointer, Size: p.PointerSize, Align: p.PointerSize}
	}
	return Type{Kind: k, Size: k.Size(), Align: k.Size()}
}

// IsVoid reports whether the type carries no value.
func (t Type) IsVoid() bool {
	return t.Kind == Void
}

// HomogeneousFloat reports whether every member of an aggregate is the same
// floating point kind, returning that kind.
func (t Type) HomogeneousFloat() (Kind, bool) {
	if t.Kind != Struct || len(t.Members) == 0 {
		return Void, false
	}
	k := t.Members[0].Kind
	if !k.IsFloat() {
		return Void, false
	}
	for _, m := range t.Members[1:] {
		if m.Kind != k {
			return Void, false
		}
	}
	return k, true
}

func (t Type) String() string {
	if t.Kind != Struct {
		return t.Kind.String()
	}
	parts := make([]string, len(t.Members))
	for i, m := range t.Members {
		parts[i] = fmt.Sprintf("%s@%d", m.Kind, m.Offset)
	}
	return fmt.Sprintf("struct{%s}[%d/%d]", strings.Join(parts, ","), t.Size, t.Align)
}

// Arg is one marshaled argument. Scalars travel in Word: integers sign or
// zero extended to 64 bits, float32 as its IEEE bits in the low half, float64
// as its IEEE bits. Aggregates passed by value travel in Bytes.
type Arg struct {
	Bytes []byte
	Type  Type
	Word  uint64
}

// Float32Arg builds a float argument.
func Float32Arg(v float32) Arg {
	return Arg{Type: Type{Kind: Float32, Size: 4, Align: 4}, Word: uint64(math.Float32bits(v))}
}

// Float64Arg builds a double argument.
func Float64Arg(v float64) Arg {
	return Arg{Type: Type{Kind: Float64, Size: 8, Align: 8}, Word: math.Float64bits(v)}
}

// Frame is the complete argument list of a native call.
type Frame struct {
	Args []Arg
	// Fixed is the number of named parameters of a variadic function. Arguments
	// at index Fixed and later are variadic. Fixed equals len(Args) otherwise.
	Fixed int
}

// Variadic reports whether the frame targets a variadic function.
func (f Frame) Variadic() bool {
	return f.Fixed < len(f.Args)
}

// Result is the raw outcome of a native call.
type Result struct {
	Bytes []byte // aggregate return value
	Word  uint64 // scalar return value in the same encoding as Arg.Word
	Errno int    // native error code observed right after the call
}

// Signature describes a function shape for synthesized entry points.
type Signature struct {
	Params []Type
	Ret    Type
}

// Shape returns a stable key for signatures with identical native shapes.
func (s Signature) Shape() string {
	var b strings.Builder
	b.WriteString(s.Ret.String())
	b.WriteByte('(')
	for i, p := range s.Params {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.String())
	}
	b.WriteByte(')')
	return b.String()
}
