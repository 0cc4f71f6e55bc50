package callback

import (
	"reflect"
	"runtime"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
)

var errorType = reflect.TypeFor[error]()

// Callback is a Go function exposed to native code as a function pointer.
//
// The native entry point stays valid while the Callback is reachable from
// Go. Once it becomes unreachable the entry point is released and may later
// serve a different callback of the same shape, so code that stores the
// pointer must keep the Callback alive.
type Callback struct {
	fn      reflect.Value
	name    string
	conv    abi.CallingConvention
	hasConv bool
	errOut  bool
}

// Option configures a Callback.
type Option func(*Callback)

// WithName sets the name used in diagnostics.
func WithName(name string) Option {
	return func(c *Callback) { c.name = name }
}

// WithConvention fixes the calling convention of the entry point instead of
// using the manager default.
func WithConvention(conv abi.CallingConvention) Option {
	return func(c *Callback) {
		c.conv = conv
		c.hasConv = true
	}
}

// New wraps fn, which must be a non-variadic func returning nothing, a
// value, an error, or a value and an error. A returned error is reported to
// the manager's Handler and native code receives the zero value.
func New(fn any, opts ...Option) (*Callback, error) {
	return newCallback(reflect.ValueOf(fn), opts...)
}

// MustNew is New that panics on error.
func MustNew(fn any, opts ...Option) *Callback {
	cb, err := New(fn, opts...)
	if err != nil {
		panic(err)
	}
	return cb
}

func newCallback(fn reflect.Value, opts ...Option) (*Callback, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, errors.New(errors.PhaseCallback, errors.KindInvalidInput).
			Detail("callback must be a non-nil func").
			Build()
	}
	t := fn.Type()
	if t.IsVariadic() {
		return nil, errors.New(errors.PhaseCallback, errors.KindUnsupported).
			GoType(t.String()).
			Detail("variadic callbacks are not supported").
			Build()
	}
	cb := &Callback{fn: fn}
	switch t.NumOut() {
	case 0:
	case 1:
		cb.errOut = t.Out(0) == errorType
	case 2:
		if t.Out(1) != errorType {
			return nil, shapeError(t)
		}
		cb.errOut = true
	default:
		return nil, shapeError(t)
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.name == "" {
		if f := runtime.FuncForPC(fn.Pointer()); f != nil {
			cb.name = f.Name()
		} else {
			cb.name = t.String()
		}
	}
	return cb, nil
}

func shapeError(t reflect.Type) error {
	return errors.New(errors.PhaseCallback, errors.KindUnsupported).
		GoType(t.String()).
		Detail("callback must return at most one value and an optional error").
		Build()
}

// FuncType returns the Go signature of the callback.
func (c *Callback) FuncType() reflect.Type {
	return c.fn.Type()
}

// Func returns the wrapped function.
func (c *Callback) Func() reflect.Value {
	return c.fn
}

func (c *Callback) Name() string {
	return c.name
}

// Convention returns the calling convention the callback was tagged with.
func (c *Callback) Convention() (abi.CallingConvention, bool) {
	return c.conv, c.hasConv
}

func (c *Callback) String() string {
	return "callback " + c.name + " " + c.fn.Type().String()
}

// result returns the position of the native result among the outputs, or -1.
func (c *Callback) result() int {
	n := c.fn.Type().NumOut()
	if c.errOut {
		n--
	}
	if n == 0 {
		return -1
	}
	return 0
}
