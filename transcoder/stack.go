package transcoder

import (
	"reflect"
	"strconv"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
)

// Call lowers the arguments of one native invocation and lifts its result.
// Temporary storage lives until Release; Sync copies memory that native code
// may have modified back into the Go arguments.
type Call struct {
	codec    *Codec
	keep     *AllocationList
	w        *writer
	post     []func(r *reader) error
	borrowed []*memory.Block
}

// NewCall starts a call using the codec's scope.
func (c *Codec) NewCall() *Call {
	keep := NewAllocationList()
	return &Call{codec: c, keep: keep, w: newWriter(c, keep)}
}

// Lower converts argument v, declared as ct, into its call frame form.
func (cl *Call) Lower(ct *CompiledType, v reflect.Value, index int) (abi.Arg, error) {
	path := []string{"arg" + strconv.Itoa(index)}
	arg, err := cl.lower(ct, v, index, path)
	if err != nil {
		return abi.Arg{}, err
	}
	// blocks handed to native code must stay allocated until the call returns
	for len(cl.borrowed) < len(cl.w.referenced) {
		b := cl.w.referenced[len(cl.borrowed)]
		if !b.Borrow() {
			return abi.Arg{}, errors.New(errors.PhaseEncode, errors.KindClosed).
				Path(path...).
				Detail("%s was released", b).
				Build()
		}
		cl.borrowed = append(cl.borrowed, b)
	}
	return arg, nil
}

func (cl *Call) lower(ct *CompiledType, v reflect.Value, index int, path []string) (abi.Arg, error) {
	if !v.IsValid() || (v.Kind() == reflect.Interface && v.IsNil() && ct.Kind != KindObject) {
		if ct.Kind.IsReference() {
			return abi.Arg{Type: ct.ABI}, nil
		}
		return abi.Arg{}, errors.NilPointer(errors.PhaseEncode, path, ct.GoType.String())
	}
	if v.Kind() == reflect.Interface && ct.GoType.Kind() != reflect.Interface {
		v = v.Elem()
	}
	v, err := conform(v, ct.GoType, path)
	if err != nil {
		return abi.Arg{}, err
	}

	switch ct.Kind {
	case KindStruct, KindUnion:
		lt, err := cl.codec.compiler.resolve(ct, v, path)
		if err != nil {
			return abi.Arg{}, err
		}
		blk, err := cl.w.alloc(lt.Size, lt.Align)
		if err != nil {
			return abi.Arg{}, err
		}
		if err := cl.w.write(blk.Pointer(), 0, lt, v, path); err != nil {
			return abi.Arg{}, err
		}
		data, err := blk.Pointer().Bytes(0, lt.Size)
		if err != nil {
			return abi.Arg{}, err
		}
		return abi.Arg{Bytes: data, Type: lt.ABI}, nil

	case KindMapped, KindConverted:
		nv, err := cl.codec.toNative(ct, v, Context{Type: ct.GoType, Arg: index}, path)
		if err != nil {
			return abi.Arg{}, err
		}
		return cl.lower(ct.Native, nv, index, path)
	}

	if ct.Kind.IsScalar() {
		return abi.Arg{Type: ct.ABI, Word: argWord(ct.Kind, ct.Size, v)}, nil
	}
	addr, err := cl.w.address(ct, v, path)
	if err != nil {
		return abi.Arg{}, err
	}
	if addr != 0 {
		cl.schedule(ct, v, addr, path)
	}
	return abi.Arg{Type: ct.ABI, Word: addr}, nil
}

// schedule registers the read-back of memory passed by reference.
func (cl *Call) schedule(ct *CompiledType, v reflect.Value, addr uint64, path []string) {
	space := cl.codec.space
	switch ct.Kind {
	case KindStructRef:
		if ar, ok := v.Interface().(AutoReader); ok && !ar.AutoRead() {
			return
		}
		cl.post = append(cl.post, func(r *reader) error {
			lt, err := cl.codec.compiler.resolve(ct.Elem, v.Elem(), path)
			if err != nil {
				return err
			}
			return r.read(space.AtBounded(addr, lt.Size), 0, lt, v.Elem(), path)
		})

	case KindScalarRef:
		cl.post = append(cl.post, func(r *reader) error {
			return r.read(space.AtBounded(addr, ct.Elem.Size), 0, ct.Elem, v.Elem(), path)
		})

	case KindSlice, KindArray:
		if ct.Kind == KindArray && !v.CanAddr() {
			return
		}
		n := v.Len()
		cl.post = append(cl.post, func(r *reader) error {
			return r.readElements(space.AtBounded(addr, uint64(n)*ct.Elem.Size), 0, ct.Elem, v, n, path)
		})

	case KindStructHandle:
		s := v.Interface().(*Struct)
		cl.post = append(cl.post, func(*reader) error {
			if s.AutoRead() {
				return s.Read()
			}
			return nil
		})
	}
}

// Lift converts a native result declared as ct. A nil ct means void.
func (cl *Call) Lift(ct *CompiledType, res abi.Result) (reflect.Value, error) {
	if ct == nil {
		return reflect.Value{}, nil
	}
	dst := reflect.New(ct.GoType).Elem()
	if err := cl.lift(newReader(cl.codec, nil), ct, res, dst, []string{"result"}); err != nil {
		return reflect.Value{}, err
	}
	return dst, nil
}

func (cl *Call) lift(r *reader, ct *CompiledType, res abi.Result, dst reflect.Value, path []string) error {
	if err := CheckResult(ct); err != nil {
		return err
	}
	switch ct.Kind {
	case KindStruct, KindUnion:
		if uint64(len(res.Bytes)) < ct.Size {
			return errors.InvalidData(errors.PhaseDecode, path, "structure result is "+strconv.Itoa(len(res.Bytes))+" bytes, want "+strconv.FormatUint(ct.Size, 10))
		}
		blk, err := cl.w.alloc(ct.Size, ct.Align)
		if err != nil {
			return err
		}
		if err := blk.Pointer().SetBytes(0, res.Bytes[:ct.Size]); err != nil {
			return err
		}
		return r.read(blk.Pointer(), 0, ct, dst, path)

	case KindMapped, KindConverted:
		native := reflect.New(ct.Native.GoType).Elem()
		if err := cl.lift(r, ct.Native, res, native, path); err != nil {
			return err
		}
		return cl.codec.fromNative(ct, native, dst, Context{Type: ct.GoType, Arg: -1}, path)
	}

	if ct.Kind.IsScalar() {
		setScalar(dst, ct.Kind, ct.Size, res.Word)
		return nil
	}
	return r.fromAddress(ct, res.Word, dst, path)
}

// Sync reads back arguments passed by reference.
func (cl *Call) Sync() error {
	r := newReader(cl.codec, cl.w.seen)
	for _, fn := range cl.post {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Release frees temporaries and returns borrowed blocks. The Call must not
// be used afterwards.
func (cl *Call) Release() {
	for _, b := range cl.borrowed {
		b.Return()
	}
	cl.borrowed = nil
	cl.post = nil
	cl.keep.FreeAndRelease()
}

// CheckResult reports whether values of ct can be returned from native code.
func CheckResult(ct *CompiledType) error {
	switch {
	case ct == nil:
		return nil
	case ct.Kind == KindBlock, ct.Kind == KindSlice, ct.Kind == KindArray:
		return errors.New(errors.PhaseDecode, errors.KindUnsupported).
			GoType(ct.GoType.String()).
			Detail("unsupported return type").
			Build()
	case ct.Variable:
		return errors.New(errors.PhaseDecode, errors.KindUnsupported).
			GoType(ct.GoType.String()).
			Detail("variable-size structures cannot be returned by value").
			Build()
	case ct.Kind == KindMapped || ct.Kind == KindConverted:
		return CheckResult(ct.Native)
	}
	return nil
}
