//go:build (darwin || linux) && (amd64 || arm64)

package native

import (
	"fmt"
	"math"
	"reflect"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
)

// callRegistered calls fn through a Go function registered with purego for
// the frame's shape.
func (e *Engine) callRegistered(fn uint64, req engine.Request) (abi.Result, error) {
	params := make([]abi.Type, len(req.Frame.Args))
	for i, a := range req.Frame.Args {
		params[i] = a.Type
	}
	sig := abi.Signature{Params: params, Ret: req.Ret}
	key := callKey{fn: fn, shape: sig.Shape()}

	f, ok := e.calls.Load(key)
	if !ok {
		ft, err := funcType(sig)
		if err != nil {
			return abi.Result{}, err
		}
		f, err = register(ft, fn)
		if err != nil {
			return abi.Result{}, err
		}
		f, _ = e.calls.LoadOrStore(key, f)
	}

	in := make([]reflect.Value, len(req.Frame.Args))
	for i, a := range req.Frame.Args {
		in[i] = toValue(f.Type().In(i), a)
	}
	out := f.Call(in)
	if req.Ret.IsVoid() || len(out) == 0 {
		return abi.Result{}, nil
	}
	r := fromValue(req.Ret, out[0])
	return abi.Result{Bytes: r.Bytes, Word: r.Word}, nil
}

func register(ft reflect.Type, fn uint64) (f reflect.Value, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.PhaseInvoke, errors.KindUnsupported).
				Detail("cannot call %s natively: %v", ft, r).
				Build()
		}
	}()
	ptr := reflect.New(ft)
	purego.RegisterFunc(ptr.Interface(), uintptr(fn))
	return ptr.Elem(), nil
}

// funcType builds the Go function type purego uses to call sig.
func funcType(sig abi.Signature) (reflect.Type, error) {
	in := make([]reflect.Type, len(sig.Params))
	for i, p := range sig.Params {
		t, err := goType(p)
		if err != nil {
			return nil, err
		}
		in[i] = t
	}
	var out []reflect.Type
	if !sig.Ret.IsVoid() {
		t, err := goType(sig.Ret)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return reflect.FuncOf(in, out, false), nil
}

var scalarTypes = map[abi.Kind]reflect.Type{
	abi.Sint8:   reflect.TypeFor[int8](),
	abi.Uint8:   reflect.TypeFor[uint8](),
	abi.Sint16:  reflect.TypeFor[int16](),
	abi.Uint16:  reflect.TypeFor[uint16](),
	abi.Sint32:  reflect.TypeFor[int32](),
	abi.Uint32:  reflect.TypeFor[uint32](),
	abi.Sint64:  reflect.TypeFor[int64](),
	abi.Uint64:  reflect.TypeFor[uint64](),
	abi.Float32: reflect.TypeFor[float32](),
	abi.Float64: reflect.TypeFor[float64](),
	abi.Pointer: reflect.TypeFor[uintptr](),
}

// goType returns the Go type with the native layout of t. Aggregates become
// structs whose fields sit at the member offsets.
func goType(t abi.Type) (reflect.Type, error) {
	if t.Kind != abi.Struct {
		if gt, ok := scalarTypes[t.Kind]; ok {
			return gt, nil
		}
		return nil, errors.Unsupported(errors.PhaseInvoke, "native kind "+t.Kind.String())
	}

	var fields []reflect.StructField
	off := uint64(0)
	pad := func(n uint64) {
		fields = append(fields, reflect.StructField{
			Name: fmt.Sprintf("Pad%d", len(fields)),
			Type: reflect.ArrayOf(int(n), reflect.TypeFor[byte]()),
		})
		off += n
	}
	for _, m := range t.Members {
		if m.Offset < off {
			return nil, errors.Unsupported(errors.PhaseInvoke, "overlapping members in "+t.String())
		}
		if m.Offset > off {
			pad(m.Offset - off)
		}
		fields = append(fields, reflect.StructField{
			Name: fmt.Sprintf("F%d", len(fields)),
			Type: scalarTypes[m.Kind],
		})
		off = m.Offset + m.Size
	}
	if t.Size > off {
		pad(t.Size - off)
	}

	st := reflect.StructOf(fields)
	if uint64(st.Size()) != t.Size {
		return nil, errors.Unsupported(errors.PhaseInvoke, "packed aggregate "+t.String())
	}
	i := 0
	for _, m := range t.Members {
		for !isMember(st.Field(i)) {
			i++
		}
		if uint64(st.Field(i).Offset) != m.Offset {
			return nil, errors.Unsupported(errors.PhaseInvoke, "misaligned member in "+t.String())
		}
		i++
	}
	return st, nil
}

func isMember(f reflect.StructField) bool {
	return f.Name[0] == 'F'
}

// toValue converts an argument to a value of type gt.
func toValue(gt reflect.Type, a abi.Arg) reflect.Value {
	v := reflect.New(gt).Elem()
	switch gt.Kind() {
	case reflect.Struct:
		copy(unsafe.Slice((*byte)(v.Addr().UnsafePointer()), gt.Size()), a.Bytes)
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(uint32(a.Word))))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(a.Word))
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v.SetInt(int64(a.Word))
	default:
		v.SetUint(a.Word)
	}
	return v
}

// fromValue converts a Go value of native layout back to an argument.
func fromValue(t abi.Type, v reflect.Value) abi.Arg {
	switch v.Kind() {
	case reflect.Struct:
		p := reflect.New(v.Type())
		p.Elem().Set(v)
		data := unsafe.Slice((*byte)(p.UnsafePointer()), v.Type().Size())
		return abi.Arg{Type: t, Bytes: append([]byte(nil), data...)}
	case reflect.Float32:
		return abi.Arg{Type: t, Word: uint64(math.Float32bits(float32(v.Float())))}
	case reflect.Float64:
		return abi.Arg{Type: t, Word: math.Float64bits(v.Float())}
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return abi.Arg{Type: t, Word: uint64(v.Int())}
	}
	return abi.Arg{Type: t, Word: v.Uint()}
}
