package sandbox

import (
	"context"
	"encoding/binary"
	"strconv"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
)

// valueType maps a scalar kind to its wasm32 value type.
func valueType(k abi.Kind) api.ValueType {
	switch k {
	case abi.Sint64, abi.Uint64:
		return api.ValueTypeI64
	case abi.Float32:
		return api.ValueTypeF32
	case abi.Float64:
		return api.ValueTypeF64
	}
	return api.ValueTypeI32
}

// direct reports whether an aggregate travels as its only scalar member,
// as clang does on wasm32.
func direct(t abi.Type) (abi.Member, bool) {
	if t.Kind != abi.Struct || len(t.Members) != 1 {
		return abi.Member{}, false
	}
	m := t.Members[0]
	return m, m.Offset == 0 && m.Size == t.Size
}

// paramType returns the value type of one lowered parameter.
func paramType(t abi.Type) api.ValueType {
	if t.Kind == abi.Struct {
		if m, ok := direct(t); ok {
			return valueType(m.Kind)
		}
		return api.ValueTypeI32
	}
	return valueType(t.Kind)
}

// indirectResult reports whether a return value is written through a
// pointer passed as the first parameter.
func indirectResult(t abi.Type) bool {
	if t.Kind != abi.Struct {
		return false
	}
	_, ok := direct(t)
	return !ok
}

// signatureTypes returns the wasm function type of a native signature.
// A variadic signature takes a trailing pointer to its variadic arguments.
func signatureTypes(sig abi.Signature, variadic bool) (params, results []api.ValueType) {
	if indirectResult(sig.Ret) {
		params = append(params, api.ValueTypeI32)
	} else if !sig.Ret.IsVoid() {
		results = append(results, paramType(sig.Ret))
	}
	for _, p := range sig.Params {
		params = append(params, paramType(p))
	}
	if variadic {
		params = append(params, api.ValueTypeI32)
	}
	return params, results
}

// encodeWord converts an abi word to a wasm stack value.
func encodeWord(k abi.Kind, w uint64) uint64 {
	switch valueType(k) {
	case api.ValueTypeI64, api.ValueTypeF64:
		return w
	}
	return uint64(uint32(w))
}

// decodeWord converts a wasm stack value to an abi word of kind k.
func decodeWord(k abi.Kind, v uint64) uint64 {
	switch k {
	case abi.Sint8:
		return uint64(int64(int8(v)))
	case abi.Sint16:
		return uint64(int64(int16(v)))
	case abi.Sint32:
		return uint64(int64(int32(v)))
	case abi.Uint8:
		return v & 0xff
	case abi.Uint16:
		return v & 0xffff
	case abi.Sint64, abi.Uint64, abi.Float64:
		return v
	}
	return v & 0xffffffff
}

func wordBytes(w, size uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], w)
	return append([]byte(nil), b[:size]...)
}

func bytesWord(b []byte) uint64 {
	var buf [8]byte
	copy(buf[:], b)
	return binary.LittleEndian.Uint64(buf[:])
}

// frame is a call lowered to wasm values. Temporaries live in library
// memory until release.
type frame struct {
	params  []uint64
	types   []api.ValueType
	results []api.ValueType
	temps   []uint32
	sret    uint32
}

// lower converts req to wasm values. The caller holds l.mu.
func (l *Library) lower(ctx context.Context, req engine.Request) (*frame, error) {
	f := &frame{}
	if indirectResult(req.Ret) {
		ptr, err := l.temp(ctx, f, req.Ret.Size, req.Ret.Align)
		if err != nil {
			return f, err
		}
		f.sret = ptr
		f.push(api.ValueTypeI32, uint64(ptr))
	} else if !req.Ret.IsVoid() {
		f.results = append(f.results, paramType(req.Ret))
	}

	fixed := req.Frame.Args[:req.Frame.Fixed]
	for i, a := range fixed {
		if err := l.lowerArg(ctx, f, a); err != nil {
			return f, errors.New(errors.PhaseInvoke, errors.KindInvalidData).
				Path(argName(i)).
				Cause(err).
				Build()
		}
	}
	if req.Frame.Variadic() {
		ptr, err := l.variadic(ctx, f, req.Frame.Args[req.Frame.Fixed:])
		if err != nil {
			return f, err
		}
		f.push(api.ValueTypeI32, uint64(ptr))
	}
	return f, nil
}

func (f *frame) push(t api.ValueType, v uint64) {
	f.types = append(f.types, t)
	f.params = append(f.params, v)
}

func (l *Library) lowerArg(ctx context.Context, f *frame, a abi.Arg) error {
	if a.Type.Kind != abi.Struct {
		f.push(valueType(a.Type.Kind), encodeWord(a.Type.Kind, a.Word))
		return nil
	}
	if m, ok := direct(a.Type); ok {
		w := bytesWord(a.Bytes[m.Offset : m.Offset+m.Size])
		f.push(valueType(m.Kind), encodeWord(m.Kind, w))
		return nil
	}
	ptr, err := l.temp(ctx, f, a.Type.Size, a.Type.Align)
	if err != nil {
		return err
	}
	if !l.mem.Write(ptr, a.Bytes) {
		return errors.OutOfBounds(errors.PhaseInvoke, nil, uint64(ptr), uint64(len(a.Bytes)), uint64(l.mem.Size()))
	}
	f.push(api.ValueTypeI32, uint64(ptr))
	return nil
}

// variadic packs args into a buffer, each at its natural alignment, and
// returns the buffer address.
func (l *Library) variadic(ctx context.Context, f *frame, args []abi.Arg) (uint32, error) {
	var buf []byte
	for _, a := range args {
		align := a.Type.Align
		if align < 4 {
			align = 4
		}
		for uint64(len(buf))%align != 0 {
			buf = append(buf, 0)
		}
		if a.Type.Kind == abi.Struct {
			buf = append(buf, a.Bytes...)
			continue
		}
		buf = append(buf, wordBytes(a.Word, a.Type.Size)...)
	}
	ptr, err := l.temp(ctx, f, uint64(len(buf)), mallocAlign)
	if err != nil {
		return 0, err
	}
	if !l.mem.Write(ptr, buf) {
		return 0, errors.OutOfBounds(errors.PhaseInvoke, nil, uint64(ptr), uint64(len(buf)), uint64(l.mem.Size()))
	}
	return ptr, nil
}

func (l *Library) temp(ctx context.Context, f *frame, size, align uint64) (uint32, error) {
	ptr, err := l.malloc(ctx, size, align)
	if err != nil {
		return 0, err
	}
	f.temps = append(f.temps, ptr)
	return ptr, nil
}

// release frees the frame's temporaries. The caller holds l.mu.
func (l *Library) release(ctx context.Context, f *frame) {
	for _, ptr := range f.temps {
		l.free(ctx, ptr)
	}
	f.temps = nil
}

// raise converts the wasm result of a call to an abi result.
func (l *Library) raise(f *frame, ret abi.Type, values []uint64) (abi.Result, error) {
	switch {
	case ret.IsVoid():
		return abi.Result{}, nil
	case f.sret != 0:
		data, ok := l.mem.Read(f.sret, uint32(ret.Size))
		if !ok {
			return abi.Result{}, errors.OutOfBounds(errors.PhaseInvoke, nil, uint64(f.sret), ret.Size, uint64(l.mem.Size()))
		}
		return abi.Result{Bytes: append([]byte(nil), data...)}, nil
	case len(values) == 0:
		return abi.Result{}, errors.New(errors.PhaseInvoke, errors.KindTypeMismatch).
			Detail("native function returned no value, %s expected", ret).
			Build()
	case ret.Kind == abi.Struct:
		m, _ := direct(ret)
		out := make([]byte, ret.Size)
		copy(out[m.Offset:], wordBytes(decodeWord(m.Kind, values[0]), m.Size))
		return abi.Result{Bytes: out}, nil
	}
	return abi.Result{Word: decodeWord(ret.Kind, values[0])}, nil
}

func argName(i int) string {
	return "arg" + strconv.Itoa(i)
}
