package transcoder

import (
	"math"
	"reflect"

	"github.com/wippyai/ffi-runtime/errors"
	iabi "github.com/wippyai/ffi-runtime/transcoder/internal/abi"
)

// scalarWord returns the bits of a scalar value. Signed integers are sign
// extended to 64 bits.
func scalarWord(k TypeKind, v reflect.Value) uint64 {
	switch k {
	case KindBool:
		if v.Bool() {
			return 1
		}
		return 0
	case KindF32:
		return uint64(math.Float32bits(float32(v.Float())))
	case KindF64:
		return math.Float64bits(v.Float())
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint()
	}
	return 0
}

// argWord narrows a scalar to its native width and extends it back to a
// full word the way a register holds it.
func argWord(k TypeKind, size uint64, v reflect.Value) uint64 {
	w := scalarWord(k, v)
	switch {
	case k.IsFloat():
		return w
	case k.IsSigned():
		return iabi.SignExtend(iabi.Truncate(w, size), size)
	}
	return iabi.Truncate(w, size)
}

func setScalar(dst reflect.Value, k TypeKind, size, w uint64) {
	switch k {
	case KindBool:
		dst.SetBool(iabi.Truncate(w, size) != 0)
	case KindF32:
		dst.SetFloat(float64(math.Float32frombits(uint32(w))))
	case KindF64:
		dst.SetFloat(math.Float64frombits(w))
	default:
		if k.IsSigned() {
			dst.SetInt(int64(iabi.SignExtend(w, size)))
		} else {
			dst.SetUint(iabi.Truncate(w, size))
		}
	}
}

// addressable returns a pointer to v, copying v when it is not addressable,
// so that methods with pointer receivers can be called.
func addressable(v reflect.Value) any {
	if v.CanAddr() {
		return v.Addr().Interface()
	}
	p := reflect.New(v.Type())
	p.Elem().Set(v)
	return p.Interface()
}

// coerceValue converts x to type t. Integers are truncated to the target
// width in two's complement.
func coerceValue(x any, t reflect.Type, phase errors.Phase, path []string) (reflect.Value, error) {
	if x == nil {
		return reflect.Zero(t), nil
	}
	rv := reflect.ValueOf(x)
	if rv.Type() == t {
		return rv, nil
	}

	out := reflect.New(t).Elem()
	if rv.Type().AssignableTo(t) {
		out.Set(rv)
		return out, nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n, ok := iabi.CoerceToInt64(x); ok && rv.Kind() != reflect.Bool {
			out.SetInt(n)
			return out, nil
		}
		if u, ok := iabi.CoerceToUint64(x); ok && rv.Kind() != reflect.Bool {
			out.SetInt(int64(u))
			return out, nil
		}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if u, ok := iabi.CoerceToUint64(x); ok && rv.Kind() != reflect.Bool {
			out.SetUint(u)
			return out, nil
		}
		if n, ok := iabi.CoerceToInt64(x); ok && rv.Kind() != reflect.Bool {
			out.SetUint(uint64(n))
			return out, nil
		}
	case reflect.Float32, reflect.Float64:
		if f, ok := iabi.CoerceToFloat64(x); ok {
			out.SetFloat(f)
			return out, nil
		}
	case reflect.Bool:
		if rv.Kind() == reflect.Bool {
			out.SetBool(rv.Bool())
			return out, nil
		}
	case reflect.String:
		if rv.Kind() == reflect.String {
			out.SetString(rv.String())
			return out, nil
		}
	default:
		if rv.Kind() == t.Kind() && rv.Type().ConvertibleTo(t) {
			return rv.Convert(t), nil
		}
	}
	return reflect.Value{}, errors.TypeMismatch(phase, path, rv.Type().String(), t.String())
}

// conform adapts an argument to its declared type. A non-nil pointer is
// accepted where the pointee type is declared.
func conform(v reflect.Value, t reflect.Type, path []string) (reflect.Value, error) {
	if v.Type() == t {
		return v, nil
	}
	if t.Kind() == reflect.Interface && v.Type().Implements(t) {
		out := reflect.New(t).Elem()
		out.Set(v)
		return out, nil
	}
	if v.Kind() == reflect.Pointer && v.Type().Elem() == t {
		if v.IsNil() {
			return reflect.Value{}, errors.NilPointer(errors.PhaseEncode, path, t.String())
		}
		return v.Elem(), nil
	}
	return coerceValue(v.Interface(), t, errors.PhaseEncode, path)
}

// toNative converts a mapped or converted value to its native-side value.
func (c *Codec) toNative(ct *CompiledType, v reflect.Value, ctx Context, path []string) (reflect.Value, error) {
	var out any
	var err error
	switch ct.Kind {
	case KindMapped:
		if v.Kind() == reflect.Pointer && v.IsNil() {
			return reflect.Zero(ct.Native.GoType), nil
		}
		nm, ok := v.Interface().(NativeMapped)
		if !ok {
			nm = addressable(v).(NativeMapped)
		}
		out, err = nm.ToNative()
	case KindConverted:
		out, err = ct.Converter.ToNative(v.Interface(), ctx)
	}
	if err != nil {
		return reflect.Value{}, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(path...).
			GoType(ct.GoType.String()).
			Detail("conversion to native failed").
			Cause(err).
			Build()
	}
	return coerceValue(out, ct.Native.GoType, errors.PhaseEncode, path)
}

// fromNative converts a native-side value back and stores it in dst.
func (c *Codec) fromNative(ct *CompiledType, native, dst reflect.Value, ctx Context, path []string) error {
	var out any
	var err error
	switch ct.Kind {
	case KindMapped:
		proto, _ := mappedProto(ct.GoType)
		out, err = proto.FromNative(native.Interface())
	case KindConverted:
		out, err = ct.Converter.FromNative(native.Interface(), ctx)
	}
	if err != nil {
		return errors.New(errors.PhaseDecode, errors.KindInvalidData).
			Path(path...).
			GoType(ct.GoType.String()).
			Detail("conversion from native failed").
			Cause(err).
			Build()
	}
	return assign(dst, out, path)
}

func assign(dst reflect.Value, x any, path []string) error {
	if x == nil {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	rv := reflect.ValueOf(x)
	switch {
	case rv.Type().AssignableTo(dst.Type()):
		dst.Set(rv)
		return nil
	case rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Type().AssignableTo(dst.Type()):
		dst.Set(rv.Elem())
		return nil
	}
	out, err := coerceValue(x, dst.Type(), errors.PhaseDecode, path)
	if err != nil {
		return err
	}
	dst.Set(out)
	return nil
}

// unionActive returns the index of the union member to write, or -1. A
// UnionSelector decides; otherwise the first non-zero member is used when
// fallback is set.
func unionActive(ct *CompiledType, v reflect.Value, fallback bool, path []string) (int, error) {
	if sel, ok := addressable(v).(UnionSelector); ok {
		name := sel.ActiveField()
		if name == "" {
			return -1, nil
		}
		for i, f := range ct.Fields {
			if f.Name == name {
				return i, nil
			}
		}
		return -1, errors.FieldUnknown(errors.PhaseEncode, path, name)
	}
	if !fallback {
		return -1, nil
	}
	for i, f := range ct.Fields {
		if !v.Field(f.Index).IsZero() {
			return i, nil
		}
	}
	return -1, nil
}
