package transcoder

import (
	"reflect"
	"strconv"

	"github.com/wippyai/ffi-runtime/charset"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
	iabi "github.com/wippyai/ffi-runtime/transcoder/internal/abi"
)

// readKey identifies a native object already materialized during one read.
type readKey struct {
	addr uint64
	t    reflect.Type
}

// reader copies native memory into Go values. A native address is
// materialized once per Go type, so cyclic graphs map to cyclic Go values.
type reader struct {
	c    *Codec
	seen map[readKey]reflect.Value
	// written maps Go pointers to the native copies made for a call. When
	// set, a pointer field is read into its existing target only if native
	// code left it pointing at that copy.
	written map[writeKey]uint64
}

func newReader(c *Codec, written map[writeKey]uint64) *reader {
	return &reader{c: c, seen: make(map[readKey]reflect.Value), written: written}
}

func (r *reader) read(p memory.Pointer, off uint64, ct *CompiledType, dst reflect.Value, path []string) error {
	switch ct.Kind {
	case KindStruct:
		for i := range ct.Fields {
			if err := r.readField(p, off, ct, &ct.Fields[i], dst, path); err != nil {
				return err
			}
		}
		return nil

	case KindUnion:
		// Members holding pointers are only read when selected; the bytes
		// may belong to another member.
		active, err := unionActive(ct, dst, false, path)
		if err != nil {
			return err
		}
		for i := range ct.Fields {
			f := &ct.Fields[i]
			if i != active && !f.Type.IsPure() {
				continue
			}
			if err := r.readField(p, off, ct, f, dst, path); err != nil {
				return err
			}
		}
		return nil

	case KindArray:
		return r.readElements(p, off, ct.Elem, dst, ct.Len, path)

	case KindSlice:
		return r.readElements(p, off, ct.Elem, dst, min(ct.Len, dst.Len()), path)

	case KindMapped, KindConverted:
		return r.readConverted(p, off, ct, dst, Context{Type: ct.GoType, Arg: -1}, path)

	case KindBlock:
		// Owned blocks are never replaced by addresses read back.
		return nil
	}

	if ct.Kind.IsScalar() {
		w, err := p.Word(off, ct.Size)
		if err != nil {
			return err
		}
		setScalar(dst, ct.Kind, ct.Size, w)
		return nil
	}
	addr, err := p.Word(off, r.c.pointerSize())
	if err != nil {
		return err
	}
	return r.fromAddress(ct, addr, dst, path)
}

func (r *reader) readField(p memory.Pointer, base uint64, owner *CompiledType, f *Field, dst reflect.Value, path []string) error {
	fv := dst.Field(f.Index)
	fpath := append(path[:len(path):len(path)], f.Name)
	if f.Type.Kind == KindConverted {
		ctx := Context{Type: f.Type.GoType, Struct: owner.GoType, Field: f.Name, Arg: -1}
		return r.readConverted(p, base+f.Offset, f.Type, fv, ctx, fpath)
	}
	return r.read(p, base+f.Offset, f.Type, fv, fpath)
}

func (r *reader) readConverted(p memory.Pointer, off uint64, ct *CompiledType, dst reflect.Value, ctx Context, path []string) error {
	native := reflect.New(ct.Native.GoType).Elem()
	if err := r.read(p, off, ct.Native, native, path); err != nil {
		return err
	}
	return r.c.fromNative(ct, native, dst, ctx, path)
}

func (r *reader) readElements(p memory.Pointer, off uint64, elem *CompiledType, dst reflect.Value, n int, path []string) error {
	for i := 0; i < n; i++ {
		epath := append(path[:len(path):len(path)], "["+strconv.Itoa(i)+"]")
		if err := r.read(p, off+uint64(i)*elem.Size, elem, dst.Index(i), epath); err != nil {
			return err
		}
	}
	return nil
}

// fromAddress stores into dst the Go value a native address stands for.
func (r *reader) fromAddress(ct *CompiledType, addr uint64, dst reflect.Value, path []string) error {
	switch ct.Kind {
	case KindPointer:
		if dst.Type() == pointerType {
			p := memory.Null
			if addr != 0 {
				p = r.c.space.At(addr)
			}
			dst.Set(reflect.ValueOf(p))
			return nil
		}
		dst.SetPointer(unsafeAddress(addr))
		return nil

	case KindBlock:
		return nil

	case KindString:
		return r.string(addr, r.c.charset(), dst)

	case KindWString:
		return r.string(addr, r.c.wide(), dst)

	case KindStringArray:
		return r.stringArray(addr, r.c.charset(), dst, path)

	case KindWStringArray:
		return r.stringArray(addr, r.c.wide(), dst, path)

	case KindStructRef, KindScalarRef:
		return r.reference(ct, addr, dst, path)

	case KindStructHandle:
		if addr == 0 {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		if dst.IsNil() {
			return nil
		}
		s := dst.Interface().(*Struct)
		if s.Pointer().Address() == addr && s.AutoRead() {
			return s.Read()
		}
		return nil

	case KindCallback:
		if addr == 0 {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		cb := r.c.scope.Callbacks
		if cb == nil {
			return errors.NotInitialized(errors.PhaseDecode, "callback registry")
		}
		fn, err := cb.FromNative(r.c, addr, ct.GoType)
		if err != nil {
			return err
		}
		dst.Set(fn)
		return nil

	case KindObject:
		if addr == 0 {
			dst.Set(reflect.Zero(dst.Type()))
			return nil
		}
		if r.c.scope.Objects == nil {
			return errors.NotInitialized(errors.PhaseDecode, "object table")
		}
		obj, ok := r.c.scope.Objects.Get(addr)
		if !ok {
			return errors.NotFound(errors.PhaseDecode, "object handle", "0x"+strconv.FormatUint(addr, 16))
		}
		return assign(dst, obj, path)
	}
	return errors.New(errors.PhaseDecode, errors.KindUnsupported).
		Path(path...).
		GoType(ct.GoType.String()).
		Detail("cannot be read from a native address of unknown extent").
		Build()
}

func (r *reader) string(addr uint64, cs charset.Charset, dst reflect.Value) error {
	if addr == 0 {
		dst.SetString("")
		return nil
	}
	s, err := r.c.space.At(addr).GetString(0, cs)
	if err != nil {
		return err
	}
	dst.SetString(s)
	return nil
}

func (r *reader) stringArray(addr uint64, cs charset.Charset, dst reflect.Value, path []string) error {
	if addr == 0 {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	ps := r.c.pointerSize()
	table := r.c.space.At(addr)
	var out []string
	for i := uint64(0); ; i++ {
		if i >= iabi.MaxArrayLength {
			return errors.Overflow(errors.PhaseDecode, path, i, dst.Type().String())
		}
		a, err := table.Word(i*ps, ps)
		if err != nil {
			return err
		}
		if a == 0 {
			break
		}
		s, err := r.c.space.At(a).GetString(0, cs)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	res := reflect.MakeSlice(dst.Type(), len(out), len(out))
	for i, s := range out {
		res.Index(i).SetString(s)
	}
	dst.Set(res)
	return nil
}

// reference reads the pointee at addr. An existing target is reused when it
// still corresponds to addr; otherwise a new value is allocated.
func (r *reader) reference(ct *CompiledType, addr uint64, dst reflect.Value, path []string) error {
	if addr == 0 {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	key := readKey{addr: addr, t: dst.Type()}
	if v, ok := r.seen[key]; ok {
		dst.Set(v)
		return nil
	}

	target := dst
	if dst.IsNil() || !r.sameTarget(dst, addr) {
		target = reflect.New(dst.Type().Elem())
	}
	r.seen[key] = target

	elem, err := r.c.compiler.resolve(ct.Elem, target.Elem(), path)
	if err != nil {
		return err
	}
	if err := r.read(r.c.space.AtBounded(addr, elem.Size), 0, elem, target.Elem(), path); err != nil {
		return err
	}
	dst.Set(target)
	return nil
}

func (r *reader) sameTarget(dst reflect.Value, addr uint64) bool {
	if r.written == nil {
		return true
	}
	return r.written[writeKey{ptr: dst.Pointer(), t: dst.Type()}] == addr
}
