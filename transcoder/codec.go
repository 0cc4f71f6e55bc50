package transcoder

import (
	"reflect"

	"github.com/wippyai/ffi-runtime/charset"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
	"github.com/wippyai/ffi-runtime/resource"
	iabi "github.com/wippyai/ffi-runtime/transcoder/internal/abi"
)

// Callbacks converts between Go functions and native function pointers.
type Callbacks interface {
	// ToNative returns a native entry point that dispatches to fn.
	ToNative(c *Codec, fn reflect.Value) (uint64, error)
	// FromNative returns a Go value of type t for a native entry point.
	FromNative(c *Codec, addr uint64, t reflect.Type) (reflect.Value, error)
}

// Scope is the conversion configuration of a library, structure or call.
type Scope struct {
	Mapper       *TypeMapper
	Charset      charset.Charset // nil selects charset.Default()
	Callbacks    Callbacks
	Objects      *ObjectTable
	Rule         AlignmentRule
	AllowObjects bool
}

// Codec converts Go values to and from native memory in one address space.
// A Codec is safe for concurrent use.
type Codec struct {
	space    *memory.Space
	compiler *Compiler
	scope    Scope
}

func NewCodec(space *memory.Space, scope Scope) *Codec {
	return &Codec{
		space:    space,
		compiler: CompilerFor(space.Platform()),
		scope:    scope,
	}
}

// WithScope returns a codec sharing c's address space with a different scope.
func (c *Codec) WithScope(scope Scope) *Codec {
	return &Codec{space: c.space, compiler: c.compiler, scope: scope}
}

func (c *Codec) Space() *memory.Space {
	return c.space
}

func (c *Codec) Compiler() *Compiler {
	return c.compiler
}

func (c *Codec) Scope() Scope {
	return c.scope
}

// Compile returns the layout of t under the codec's scope.
func (c *Codec) Compile(t reflect.Type) (*CompiledType, error) {
	return c.compiler.Compile(t, c.scope.Rule, c.scope.Mapper)
}

// CompileValue returns the layout of v under the codec's scope.
func (c *Codec) CompileValue(v any) (*CompiledType, error) {
	return c.compiler.CompileValue(reflect.ValueOf(v), c.scope.Rule, c.scope.Mapper)
}

// SizeOf returns the native size of v.
func (c *Codec) SizeOf(v any) (uint64, error) {
	ct, err := c.CompileValue(v)
	if err != nil {
		return 0, err
	}
	return ct.Size, nil
}

// Encode writes v at p. Temporary native storage referenced from the
// written bytes, such as string data, is added to keep and must outlive any
// use of the memory at p.
func (c *Codec) Encode(p memory.Pointer, v any, keep *AllocationList) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return errors.NilPointer(errors.PhaseEncode, nil, "nil")
	}
	if rv.Kind() == reflect.Pointer && rv.Type() != blockType && rv.Type() != structHandleType {
		if rv.IsNil() {
			return errors.NilPointer(errors.PhaseEncode, nil, rv.Type().String())
		}
		rv = rv.Elem()
	}
	ct, err := c.compiler.CompileValue(rv, c.scope.Rule, c.scope.Mapper)
	if err != nil {
		return err
	}
	w := newWriter(c, keep)
	return w.write(p, 0, ct, rv, nil)
}

// Decode reads the value at p into the variable v points to.
func (c *Codec) Decode(p memory.Pointer, v any) error {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New(errors.PhaseDecode, errors.KindNilPointer).
			GoType(iabi.TypeName(v)).
			Detail("decode target must be a non-nil pointer").
			Build()
	}
	dst := rv.Elem()
	ct, err := c.compiler.CompileValue(dst, c.scope.Rule, c.scope.Mapper)
	if err != nil {
		return err
	}
	r := newReader(c, nil)
	return r.read(p, 0, ct, dst, nil)
}

func (c *Codec) charset() charset.Charset {
	if c.scope.Charset != nil {
		return c.scope.Charset
	}
	return charset.Default()
}

func (c *Codec) wide() charset.Charset {
	return charset.Wide(c.space.Platform())
}

func (c *Codec) pointerSize() uint64 {
	return c.space.Platform().PointerSize
}

// ObjectTable holds Go values passed to native code as opaque handles.
// Values stay in the table until released.
type ObjectTable struct {
	table *resource.UnifiedTable
}

func NewObjectTable() *ObjectTable {
	return &ObjectTable{table: resource.NewTable()}
}

// Put stores v and returns its native handle.
func (o *ObjectTable) Put(v any) uint64 {
	return uint64(o.table.Insert(resource.TypeObject, v))
}

// Get returns the value stored under handle.
func (o *ObjectTable) Get(handle uint64) (any, bool) {
	if handle == 0 || handle > uint64(^resource.Handle(0)) {
		return nil, false
	}
	return o.table.GetTyped(resource.Handle(handle), resource.TypeObject)
}

// Release removes handle from the table.
func (o *ObjectTable) Release(handle uint64) bool {
	if handle == 0 || handle > uint64(^resource.Handle(0)) {
		return false
	}
	_, ok := o.table.Remove(resource.Handle(handle))
	return ok
}

func (o *ObjectTable) Len() int {
	return o.table.Len()
}
