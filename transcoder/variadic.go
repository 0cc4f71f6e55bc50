package transcoder

import (
	"math"
	"reflect"

	"github.com/wippyai/ffi-runtime/abi"
)

// PromoteVariadic applies the C default argument promotions to an argument
// in the variable part of a call: integers narrower than int widen to int
// and float widens to double.
func PromoteVariadic(a abi.Arg) abi.Arg {
	switch a.Type.Kind {
	case abi.Sint8, abi.Sint16, abi.Uint8, abi.Uint16:
		a.Type = abi.Type{Kind: abi.Sint32, Size: 4, Align: 4}
	case abi.Float32:
		return abi.Float64Arg(float64(math.Float32frombits(uint32(a.Word))))
	}
	return a
}

// VariadicType returns the declared type used for a variable argument. An
// untyped nil is passed as a NULL pointer.
func VariadicType(v any) reflect.Type {
	if v == nil {
		return pointerType
	}
	return reflect.TypeOf(v)
}
