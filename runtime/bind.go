package runtime

import (
	"context"
	"reflect"
	"strings"
	"unicode"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
)

var (
	errorType   = reflect.TypeFor[error]()
	contextType = reflect.TypeFor[context.Context]()
)

// funcShape is how a Go func type maps onto a native call.
type funcShape struct {
	typ      reflect.Type
	params   []reflect.Type // fixed parameters, context excluded
	variadic reflect.Type   // element type of a trailing ...T
	ret      reflect.Type   // nil for void
	ctx      bool           // first parameter is a context.Context
	errOut   bool           // last result is an error
}

func describe(t reflect.Type, symbol string) (*funcShape, error) {
	if t.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseLayout, errors.KindTypeMismatch).
			Symbol(symbol).
			GoType(t.String()).
			Detail("binding must be a func").
			Build()
	}
	s := &funcShape{typ: t}
	n := t.NumIn()
	start := 0
	if n > 0 && t.In(0) == contextType {
		s.ctx = true
		start = 1
	}
	if t.IsVariadic() {
		s.variadic = t.In(n - 1).Elem()
		n--
	}
	for i := start; i < n; i++ {
		s.params = append(s.params, t.In(i))
	}

	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			s.errOut = true
		} else {
			s.ret = t.Out(0)
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, resultShapeError(t, symbol)
		}
		s.ret, s.errOut = t.Out(0), true
	default:
		return nil, resultShapeError(t, symbol)
	}
	return s, nil
}

func resultShapeError(t reflect.Type, symbol string) error {
	return errors.New(errors.PhaseLayout, errors.KindUnsupported).
		Symbol(symbol).
		GoType(t.String()).
		Detail("bound functions return at most one value and an optional error").
		Build()
}

// bind returns a Go function of the shape's type that calls fn. Without an
// error result, failures panic with the *errors.Error.
func (s *funcShape) bind(fn *Function) reflect.Value {
	return reflect.MakeFunc(s.typ, func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		if s.ctx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			in = in[1:]
		}
		fixed := len(s.params)
		declared := append([]reflect.Type(nil), s.params...)
		args := append([]reflect.Value(nil), in[:fixed]...)
		if s.variadic != nil {
			rest := in[fixed]
			for i := 0; i < rest.Len(); i++ {
				v := rest.Index(i)
				t := s.variadic
				if t.Kind() == reflect.Interface {
					if v.IsNil() {
						t, v = pointerType, reflect.ValueOf(memory.Null)
					} else {
						v = v.Elem()
						t = v.Type()
					}
				}
				declared = append(declared, t)
				args = append(args, v)
			}
		}

		out, err := fn.invoke(ctx, s.ret, declared, args, fixed, s.variadic != nil)
		return s.results(out, err)
	})
}

func (s *funcShape) results(out reflect.Value, err error) []reflect.Value {
	if err != nil && !s.errOut {
		panic(err)
	}
	var results []reflect.Value
	if s.ret != nil {
		if !out.IsValid() {
			out = reflect.Zero(s.ret)
		}
		results = append(results, out)
	}
	if s.errOut {
		e := reflect.Zero(errorType)
		if err != nil {
			e = reflect.ValueOf(&err).Elem()
		}
		results = append(results, e)
	}
	return results
}

type boundField struct {
	index   []int
	symbol  string
	shape   *funcShape
	conv    abi.CallingConvention
	hasConv bool
}

// binding is the capability table of one API struct type.
type binding struct {
	fields []boundField
}

var bindings = xsync.NewMapOf[reflect.Type, *binding]()

func bindingFor(t reflect.Type) (*binding, error) {
	if b, ok := bindings.Load(t); ok {
		return b, nil
	}
	b := &binding{}
	for _, sf := range reflect.VisibleFields(t) {
		if !sf.IsExported() || sf.Anonymous || sf.Type.Kind() != reflect.Func {
			continue
		}
		bf := boundField{index: sf.Index, symbol: toSnakeCase(sf.Name)}
		if tag, ok := sf.Tag.Lookup("ffi"); ok {
			if tag == "-" {
				continue
			}
			name, opt, _ := strings.Cut(tag, ",")
			if name != "" {
				bf.symbol = name
			}
			if opt != "" {
				conv, err := abi.ParseConvention(opt)
				if err != nil {
					return nil, errors.New(errors.PhaseLayout, errors.KindInvalidInput).
						GoType(t.String()).
						Path(sf.Name).
						Cause(err).
						Detail("invalid calling convention %q", opt).
						Build()
				}
				bf.conv, bf.hasConv = conv, true
			}
		}
		shape, err := describe(sf.Type, bf.symbol)
		if err != nil {
			return nil, err
		}
		bf.shape = shape
		b.fields = append(b.fields, bf)
	}
	actual, _ := bindings.LoadOrStore(t, b)
	return actual, nil
}

// Bind fills the func fields of the struct api points to with functions of
// the library. The symbol of a field is its name in snake case unless an
// `ffi:"symbol"` tag names it; `ffi:"symbol,stdcall"` also selects the
// convention and `ffi:"-"` skips the field. A first context.Context
// parameter is passed to the call, a trailing ...T is variadic and a last
// error result receives call failures. Symbols resolve on first call.
func (l *Library) Bind(api any) error {
	rv := reflect.ValueOf(api)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return errors.New(errors.PhaseLayout, errors.KindInvalidInput).
			GoType(reflect.TypeOf(api).String()).
			Detail("Bind needs a non-nil pointer to a struct").
			Build()
	}
	b, err := bindingFor(rv.Elem().Type())
	if err != nil {
		return err
	}
	for _, bf := range b.fields {
		conv := l.opts.Convention
		if bf.hasConv {
			conv = bf.conv
		}
		rv.Elem().FieldByIndex(bf.index).Set(bf.shape.bind(l.function(bf.symbol, conv)))
	}
	return nil
}

// NativeFunc returns a Go function of type T that calls symbol.
func NativeFunc[T any](l *Library, symbol string) (T, error) {
	var zero T
	shape, err := describe(reflect.TypeFor[T](), symbol)
	if err != nil {
		return zero, err
	}
	return shape.bind(l.Function(symbol)).Interface().(T), nil
}

// toSnakeCase maps a Go identifier to a C symbol: SumPoint becomes
// sum_point and HTTPGet becomes http_get.
func toSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !unicode.IsUpper(r) {
			b.WriteRune(r)
			continue
		}
		end := i + 1
		for end < len(runes) && unicode.IsUpper(runes[end]) {
			end++
		}
		// the last capital before a lower case letter starts the next word
		if end > i+1 && end < len(runes) && unicode.IsLower(runes[end]) {
			end--
		}
		if i > 0 && runes[i-1] != '_' {
			b.WriteByte('_')
		}
		for j := i; j < end; j++ {
			b.WriteRune(unicode.ToLower(runes[j]))
		}
		i = end - 1
	}
	return b.String()
}
