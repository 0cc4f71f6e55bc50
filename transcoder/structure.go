package transcoder

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
)

// Struct binds a Go structure to native memory. It either owns a block
// allocated for it or is a view over memory owned elsewhere.
//
// When passed to a call, a Struct with automatic writes enabled is written
// before the call, and one with automatic reads enabled is read after it.
type Struct struct {
	codec   *Codec
	layout  *CompiledType
	value   reflect.Value // *T
	ptr     memory.Pointer
	block   *memory.Block
	keep    *AllocationList
	written map[writeKey]uint64

	mu        sync.Mutex
	autoRead  bool
	autoWrite bool
}

// NewStruct allocates native memory for the structure v points to and
// writes its current contents.
func NewStruct(c *Codec, v any) (*Struct, error) {
	rv, lt, err := structTarget(c, v)
	if err != nil {
		return nil, err
	}
	blk, err := c.space.AllocateAligned(lt.Size, max(lt.Align, c.pointerSize()))
	if err != nil {
		return nil, err
	}
	s := newStruct(c, lt, rv, blk.Pointer())
	s.block = blk
	if err := s.Write(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// StructAt binds the structure v points to to existing memory at p and
// reads its contents. The memory is not freed by Close.
func StructAt(c *Codec, p memory.Pointer, v any) (*Struct, error) {
	rv, lt, err := structTarget(c, v)
	if err != nil {
		return nil, err
	}
	if p.IsNil() {
		return nil, errors.NilPointer(errors.PhaseDecode, nil, rv.Type().Elem().String())
	}
	if n, bounded := p.Size(); !bounded || n < lt.Size || p.Space() == nil {
		p = c.space.AtBounded(p.Address(), lt.Size)
	}
	s := newStruct(c, lt, rv, p)
	if err := s.Read(); err != nil {
		return nil, err
	}
	return s, nil
}

func newStruct(c *Codec, lt *CompiledType, rv reflect.Value, p memory.Pointer) *Struct {
	return &Struct{
		codec:     c,
		layout:    lt,
		value:     rv,
		ptr:       p,
		keep:      NewAllocationList(),
		autoRead:  true,
		autoWrite: true,
	}
}

func structTarget(c *Codec, v any) (reflect.Value, *CompiledType, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, nil, errors.InvalidInput(errors.PhaseLayout,
			fmt.Sprintf("structure must be a non-nil pointer to a struct, got %T", v))
	}
	lt, err := c.compiler.CompileValue(rv.Elem(), c.scope.Rule, c.scope.Mapper)
	if err != nil {
		return reflect.Value{}, nil, err
	}
	if lt.Kind != KindStruct && lt.Kind != KindUnion {
		return reflect.Value{}, nil, errors.UnsupportedType(errors.PhaseLayout, nil, rv.Type().String())
	}
	return rv, lt, nil
}

func (s *Struct) Pointer() memory.Pointer {
	return s.ptr
}

// Value returns the bound Go pointer.
func (s *Struct) Value() any {
	return s.value.Interface()
}

func (s *Struct) Layout() *CompiledType {
	return s.layout
}

func (s *Struct) Size() uint64 {
	return s.layout.Size
}

// Owned reports whether the Struct allocated its memory.
func (s *Struct) Owned() bool {
	return s.block != nil
}

// Read copies native memory into the Go structure.
func (s *Struct) Read() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newReader(s.codec, s.written)
	return r.read(s.ptr, 0, s.layout, s.value.Elem(), nil)
}

// Write copies the Go structure into native memory. Storage referenced by
// the previous write is released.
func (s *Struct) Write() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.keep
	s.keep = NewAllocationList()
	w := newWriter(s.codec, s.keep)
	err := w.write(s.ptr, 0, s.layout, s.value.Elem(), nil)
	s.written = w.seen
	old.FreeAndRelease()
	return err
}

// ReadField copies one member from native memory.
func (s *Struct) ReadField(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.layout.Field(name)
	if !ok {
		return errors.FieldUnknown(errors.PhaseDecode, nil, name)
	}
	r := newReader(s.codec, s.written)
	return r.readField(s.ptr, 0, s.layout, f, s.value.Elem(), nil)
}

// WriteField copies one member to native memory, including volatile ones.
func (s *Struct) WriteField(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.layout.Field(name)
	if !ok {
		return errors.FieldUnknown(errors.PhaseEncode, nil, name)
	}
	if f.ReadOnly {
		return errors.New(errors.PhaseEncode, errors.KindUnsupported).
			Path(name).
			Detail("field is read-only").
			Build()
	}
	w := newWriter(s.codec, s.keep)
	w.force = true
	if err := w.writeField(s.ptr, 0, s.layout, f, s.value.Elem(), nil); err != nil {
		return err
	}
	for k, v := range w.seen {
		if s.written == nil {
			s.written = make(map[writeKey]uint64)
		}
		s.written[k] = v
	}
	return nil
}

func (s *Struct) SetAutoRead(on bool) {
	s.mu.Lock()
	s.autoRead = on
	s.mu.Unlock()
}

func (s *Struct) AutoRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoRead
}

func (s *Struct) SetAutoWrite(on bool) {
	s.mu.Lock()
	s.autoWrite = on
	s.mu.Unlock()
}

func (s *Struct) AutoWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoWrite
}

// Close releases temporaries and, for an owning Struct, its memory.
func (s *Struct) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keep.Free()
	if s.block != nil {
		return s.block.Close()
	}
	return nil
}

func (s *Struct) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s(%s) (%d bytes) {\n", s.layout.GoType, s.ptr, s.layout.Size)
	elem := s.value.Elem()
	for _, f := range s.layout.Fields {
		fmt.Fprintf(&b, "  %s %s@%#x=%v\n", f.Type.Kind, f.Name, f.Offset, elem.Field(f.Index).Interface())
	}
	b.WriteString("}")
	if dump, err := s.ptr.Dump(s.layout.Size); err == nil {
		b.WriteString("\nmemory dump\n")
		b.WriteString(dump)
	}
	return b.String()
}
