package transcoder

import (
	"reflect"

	"github.com/puzpuzpuz/xsync/v3"
)

// Context describes where a conversion happens.
type Context struct {
	Type   reflect.Type // declared Go type
	Struct reflect.Type // enclosing structure, nil outside structures
	Field  string
	Arg    int // argument index, -1 for fields and results
}

// Converter maps values of one Go type to and from a native-side Go type.
type Converter interface {
	NativeType() reflect.Type
	ToNative(value any, ctx Context) (any, error)
	FromNative(native any, ctx Context) (any, error)
}

// ConverterFuncs adapts a pair of functions to Converter.
type ConverterFuncs struct {
	Native reflect.Type
	To     func(value any, ctx Context) (any, error)
	From   func(native any, ctx Context) (any, error)
}

func (c ConverterFuncs) NativeType() reflect.Type { return c.Native }

func (c ConverterFuncs) ToNative(value any, ctx Context) (any, error) {
	return c.To(value, ctx)
}

func (c ConverterFuncs) FromNative(native any, ctx Context) (any, error) {
	return c.From(native, ctx)
}

// TypeMapper holds the converters of one scope. A mapper created by Extend
// falls back to its parent for types it does not register itself.
//
// Layouts are cached per mapper, so converters must be registered before the
// mapper is first used.
type TypeMapper struct {
	parent     *TypeMapper
	converters *xsync.MapOf[reflect.Type, Converter]
}

func NewTypeMapper() *TypeMapper {
	return &TypeMapper{converters: xsync.NewMapOf[reflect.Type, Converter]()}
}

// Register sets the converter for values declared as t.
func (m *TypeMapper) Register(t reflect.Type, c Converter) *TypeMapper {
	m.converters.Store(t, c)
	return m
}

// RegisterType sets the converter for values declared as T.
func RegisterType[T any](m *TypeMapper, c Converter) *TypeMapper {
	return m.Register(reflect.TypeFor[T](), c)
}

// Lookup finds the converter for t in m or its ancestors.
func (m *TypeMapper) Lookup(t reflect.Type) (Converter, bool) {
	for cur := m; cur != nil; cur = cur.parent {
		if c, ok := cur.converters.Load(t); ok {
			return c, true
		}
	}
	return nil, false
}

// Extend returns a child scope of m.
func (m *TypeMapper) Extend() *TypeMapper {
	child := NewTypeMapper()
	child.parent = m
	return child
}

func (m *TypeMapper) Parent() *TypeMapper {
	if m == nil {
		return nil
	}
	return m.parent
}

// IntBool converts bool to a 32-bit native integer with custom values for
// true and false. Any native value other than falseValue reads as true.
func IntBool(trueValue, falseValue uint32) Converter {
	return ConverterFuncs{
		Native: reflect.TypeFor[int32](),
		To: func(value any, _ Context) (any, error) {
			if v := reflect.ValueOf(value); v.Kind() == reflect.Bool && v.Bool() {
				return int32(trueValue), nil
			}
			return int32(falseValue), nil
		},
		From: func(native any, _ Context) (any, error) {
			n, _ := native.(int32)
			return uint32(n) != falseValue, nil
		},
	}
}
