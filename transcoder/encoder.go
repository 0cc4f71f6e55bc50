package transcoder

import (
	"reflect"
	"strconv"
	"unsafe"

	"github.com/wippyai/ffi-runtime/charset"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
	iabi "github.com/wippyai/ffi-runtime/transcoder/internal/abi"
)

// writeKey identifies a Go pointer that has been copied to native memory.
// The type is part of the key because a structure and its first field share
// an address.
type writeKey struct {
	ptr uintptr
	t   reflect.Type
}

// writer copies Go values into native memory. Referenced data is placed in
// temporary blocks owned by keep; each Go pointer is written at most once so
// cyclic graphs terminate.
type writer struct {
	c    *Codec
	keep *AllocationList
	seen map[writeKey]uint64
	// blocks referenced by the written data
	referenced []*memory.Block
	force      bool // write volatile fields too
}

func newWriter(c *Codec, keep *AllocationList) *writer {
	return &writer{c: c, keep: keep, seen: make(map[writeKey]uint64)}
}

func (w *writer) write(p memory.Pointer, off uint64, ct *CompiledType, v reflect.Value, path []string) error {
	switch ct.Kind {
	case KindStruct:
		for i := range ct.Fields {
			f := &ct.Fields[i]
			if f.ReadOnly || (f.Volatile && !w.force) {
				continue
			}
			if err := w.writeField(p, off, ct, f, v, path); err != nil {
				return err
			}
		}
		return nil

	case KindUnion:
		active, err := unionActive(ct, v, true, path)
		if err != nil || active < 0 {
			return err
		}
		if f := &ct.Fields[active]; !f.ReadOnly {
			return w.writeField(p, off, ct, f, v, path)
		}
		return nil

	case KindArray:
		return w.writeElements(p, off, ct.Elem, v, ct.Len, path)

	case KindSlice:
		return w.writeElements(p, off, ct.Elem, v, min(ct.Len, v.Len()), path)

	case KindMapped, KindConverted:
		nv, err := w.c.toNative(ct, v, Context{Type: ct.GoType, Arg: -1}, path)
		if err != nil {
			return err
		}
		return w.write(p, off, ct.Native, nv, path)
	}

	if ct.Kind.IsScalar() {
		return p.SetWord(off, ct.Size, scalarWord(ct.Kind, v))
	}
	addr, err := w.address(ct, v, path)
	if err != nil {
		return err
	}
	return p.SetWord(off, w.c.pointerSize(), addr)
}

func (w *writer) writeField(p memory.Pointer, base uint64, owner *CompiledType, f *Field, v reflect.Value, path []string) error {
	fv := v.Field(f.Index)
	fpath := append(path[:len(path):len(path)], f.Name)
	if f.Type.Kind == KindConverted {
		ctx := Context{Type: f.Type.GoType, Struct: owner.GoType, Field: f.Name, Arg: -1}
		nv, err := w.c.toNative(f.Type, fv, ctx, fpath)
		if err != nil {
			return err
		}
		return w.write(p, base+f.Offset, f.Type.Native, nv, fpath)
	}
	return w.write(p, base+f.Offset, f.Type, fv, fpath)
}

func (w *writer) writeElements(p memory.Pointer, off uint64, elem *CompiledType, v reflect.Value, n int, path []string) error {
	for i := 0; i < n; i++ {
		epath := append(path[:len(path):len(path)], "["+strconv.Itoa(i)+"]")
		if err := w.write(p, off+uint64(i)*elem.Size, elem, v.Index(i), epath); err != nil {
			return err
		}
	}
	return nil
}

// alloc returns a zeroed temporary block owned by the writer's keep list.
// Without a keep list the block is reclaimed once unreachable.
func (w *writer) alloc(size, align uint64) (*memory.Block, error) {
	if size > iabi.MaxAlloc {
		return nil, errors.AllocationFailed(errors.PhaseEncode, size, align)
	}
	blk, err := w.c.space.AllocateAligned(size, max(align, w.c.pointerSize()))
	if err != nil {
		return nil, err
	}
	if w.keep != nil {
		w.keep.Add(blk)
	}
	return blk, nil
}

// address returns the native address a reference value stands for,
// materializing its data when needed.
func (w *writer) address(ct *CompiledType, v reflect.Value, path []string) (uint64, error) {
	switch ct.Kind {
	case KindPointer:
		if v.Type() == pointerType {
			return v.Interface().(memory.Pointer).Address(), nil
		}
		return uint64(uintptr(v.UnsafePointer())), nil

	case KindBlock:
		if v.IsNil() {
			return 0, nil
		}
		b := v.Interface().(*memory.Block)
		if b.Closed() {
			return 0, errors.Closed(errors.PhaseEncode, b.String())
		}
		w.referenced = append(w.referenced, b)
		return b.Address(), nil

	case KindString:
		return w.string(v.String(), w.c.charset(), path)

	case KindWString:
		return w.string(v.String(), w.c.wide(), path)

	case KindStringArray:
		return w.stringArray(v, w.c.charset(), path)

	case KindWStringArray:
		return w.stringArray(v, w.c.wide(), path)

	case KindStructRef:
		return w.reference(ct, v, path)

	case KindScalarRef:
		return w.reference(ct, v, path)

	case KindArray, KindSlice:
		return w.array(ct, v, path)

	case KindStructHandle:
		if v.IsNil() {
			return 0, nil
		}
		s := v.Interface().(*Struct)
		if s.AutoWrite() {
			if err := s.Write(); err != nil {
				return 0, err
			}
		}
		if s.block != nil {
			w.referenced = append(w.referenced, s.block)
		}
		return s.Pointer().Address(), nil

	case KindCallback:
		if v.IsNil() {
			return 0, nil
		}
		cb := w.c.scope.Callbacks
		if cb == nil {
			return 0, errors.NotInitialized(errors.PhaseEncode, "callback registry")
		}
		return cb.ToNative(w.c, v)

	case KindObject:
		if v.IsNil() {
			return 0, nil
		}
		if !w.c.scope.AllowObjects {
			return 0, errors.New(errors.PhaseEncode, errors.KindUnsupported).
				Path(path...).
				GoType(v.Elem().Type().String()).
				Detail("passing Go objects to native code is not enabled").
				Build()
		}
		if w.c.scope.Objects == nil {
			return 0, errors.NotInitialized(errors.PhaseEncode, "object table")
		}
		return w.c.scope.Objects.Put(v.Interface()), nil
	}
	return 0, errors.UnsupportedType(errors.PhaseEncode, path, ct.GoType.String())
}

func (w *writer) string(s string, cs charset.Charset, path []string) (uint64, error) {
	data, err := cs.Encode(s)
	if err != nil {
		return 0, errors.New(errors.PhaseEncode, errors.KindInvalidData).
			Path(path...).
			Detail("encode string as %s", cs.Name()).
			Cause(err).
			Build()
	}
	blk, err := w.alloc(uint64(len(data)+cs.UnitSize()), uint64(cs.UnitSize()))
	if err != nil {
		return 0, err
	}
	if err := blk.Pointer().SetBytes(0, data); err != nil {
		return 0, err
	}
	return blk.Address(), nil
}

// stringArray writes a NULL-terminated array of string pointers.
func (w *writer) stringArray(v reflect.Value, cs charset.Charset, path []string) (uint64, error) {
	if v.IsNil() {
		return 0, nil
	}
	ps := w.c.pointerSize()
	n := uint64(v.Len())
	table, err := w.alloc((n+1)*ps, ps)
	if err != nil {
		return 0, err
	}
	p := table.Pointer()
	for i := uint64(0); i < n; i++ {
		addr, err := w.string(v.Index(int(i)).String(), cs, append(path[:len(path):len(path)], "["+strconv.FormatUint(i, 10)+"]"))
		if err != nil {
			return 0, err
		}
		if err := p.SetWord(i*ps, ps, addr); err != nil {
			return 0, err
		}
	}
	return table.Address(), nil
}

// reference copies the pointee of a Go pointer into a temporary block.
func (w *writer) reference(ct *CompiledType, v reflect.Value, path []string) (uint64, error) {
	if v.IsNil() {
		return 0, nil
	}
	key := writeKey{ptr: v.Pointer(), t: v.Type()}
	if addr, ok := w.seen[key]; ok {
		return addr, nil
	}
	elem, err := w.c.compiler.resolve(ct.Elem, v.Elem(), path)
	if err != nil {
		return 0, err
	}
	blk, err := w.alloc(elem.Size, elem.Align)
	if err != nil {
		return 0, err
	}
	w.seen[key] = blk.Address()
	if err := w.write(blk.Pointer(), 0, elem, v.Elem(), path); err != nil {
		return 0, err
	}
	return blk.Address(), nil
}

// array copies the elements of a slice or array argument into a temporary
// block and returns its address.
func (w *writer) array(ct *CompiledType, v reflect.Value, path []string) (uint64, error) {
	if v.Kind() == reflect.Slice && v.IsNil() {
		return 0, nil
	}
	n := v.Len()
	if n > iabi.MaxArrayLength {
		return 0, errors.Overflow(errors.PhaseEncode, path, n, ct.GoType.String())
	}
	size, ok := iabi.SafeMul(uint64(n), ct.Elem.Size)
	if !ok {
		return 0, errors.Overflow(errors.PhaseEncode, path, n, ct.GoType.String())
	}
	blk, err := w.alloc(size, ct.Elem.Align)
	if err != nil {
		return 0, err
	}
	if err := w.writeElements(blk.Pointer(), 0, ct.Elem, v, n, path); err != nil {
		return 0, err
	}
	return blk.Address(), nil
}

func unsafeAddress(addr uint64) unsafe.Pointer {
	u := uintptr(addr)
	return *(*unsafe.Pointer)(unsafe.Pointer(&u))
}
