package runtime

import (
	"context"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/memory"
	"github.com/wippyai/ffi-runtime/transcoder"
)

// MaxArgs is the largest number of arguments a call may pass.
const MaxArgs = 256

var (
	int32Type   = reflect.TypeFor[int32]()
	int64Type   = reflect.TypeFor[int64]()
	float64Type = reflect.TypeFor[float64]()
	stringType  = reflect.TypeFor[string]()
	pointerType = reflect.TypeFor[memory.Pointer]()
)

// Function is a native function of a library.
type Function struct {
	lib  *Library
	name string
	conv abi.CallingConvention

	link sync.Once
	addr uint64
	err  error
}

func (f *Function) Name() string {
	return f.name
}

func (f *Function) Library() *Library {
	return f.lib
}

func (f *Function) Convention() abi.CallingConvention {
	return f.conv
}

// Address resolves the function. The result, including a link error, is
// computed once.
func (f *Function) Address() (uint64, error) {
	f.link.Do(func() {
		f.addr, f.err = f.lib.native.Lookup(f.name)
		if f.err == nil {
			return
		}
		if e, ok := f.err.(*errors.Error); !ok || e.Phase != errors.PhaseLink {
			f.err = errors.Unresolved(f.name, f.err)
		}
		Logger().Debug("symbol not found",
			zap.String("library", f.lib.Name()),
			zap.String("symbol", f.name),
			zap.Error(f.err))
	})
	return f.addr, f.err
}

// Call invokes the function with arguments converted from their declared
// types. Arguments beyond the declared params are variadic: their native
// types follow from their dynamic types with C argument promotion, and a
// NULL sentinel is appended after them. A nil ret declares a void function.
func (f *Function) Call(ctx context.Context, ret reflect.Type, params []reflect.Type, args []any) (any, error) {
	return f.call(ctx, ret, params, args, len(args) > len(params))
}

// CallVariadic is Call for a variadic function. The call is variadic even
// when no arguments follow params, so the NULL sentinel is always passed.
func (f *Function) CallVariadic(ctx context.Context, ret reflect.Type, params []reflect.Type, args []any) (any, error) {
	return f.call(ctx, ret, params, args, true)
}

func (f *Function) call(ctx context.Context, ret reflect.Type, params []reflect.Type, args []any, variadic bool) (any, error) {
	if len(args) < len(params) {
		return nil, errors.New(errors.PhaseInvoke, errors.KindArgCount).
			Symbol(f.name).
			Value(len(args)).
			Detail("got %d arguments for %d parameters", len(args), len(params)).
			Build()
	}
	declared := make([]reflect.Type, len(args))
	values := make([]reflect.Value, len(args))
	for i, a := range args {
		if i < len(params) {
			declared[i] = params[i]
		} else {
			declared[i] = transcoder.VariadicType(a)
		}
		values[i] = argValue(a)
	}
	v, err := f.invoke(ctx, ret, declared, values, len(params), variadic)
	if err != nil || !v.IsValid() {
		return nil, err
	}
	return v.Interface(), nil
}

// Invoke calls the function with the dynamic types of args as declared
// types. A nil argument is a NULL pointer.
func (f *Function) Invoke(ctx context.Context, ret reflect.Type, args ...any) (any, error) {
	declared := make([]reflect.Type, len(args))
	values := make([]reflect.Value, len(args))
	for i, a := range args {
		declared[i] = transcoder.VariadicType(a)
		values[i] = argValue(a)
	}
	v, err := f.invoke(ctx, ret, declared, values, len(args), false)
	if err != nil || !v.IsValid() {
		return nil, err
	}
	return v.Interface(), nil
}

func (f *Function) InvokeVoid(ctx context.Context, args ...any) error {
	_, err := f.Invoke(ctx, nil, args...)
	return err
}

func (f *Function) InvokeInt32(ctx context.Context, args ...any) (int32, error) {
	v, err := f.Invoke(ctx, int32Type, args...)
	if err != nil {
		return 0, err
	}
	return v.(int32), nil
}

func (f *Function) InvokeInt64(ctx context.Context, args ...any) (int64, error) {
	v, err := f.Invoke(ctx, int64Type, args...)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (f *Function) InvokeFloat64(ctx context.Context, args ...any) (float64, error) {
	v, err := f.Invoke(ctx, float64Type, args...)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (f *Function) InvokePointer(ctx context.Context, args ...any) (memory.Pointer, error) {
	v, err := f.Invoke(ctx, pointerType, args...)
	if err != nil {
		return memory.Null, err
	}
	return v.(memory.Pointer), nil
}

// InvokeString calls a function returning a NUL-terminated string in the
// library encoding. A NULL result is the empty string.
func (f *Function) InvokeString(ctx context.Context, args ...any) (string, error) {
	v, err := f.Invoke(ctx, stringType, args...)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// InvokeStruct calls a function returning a structure by value and stores
// the result in out, which must point to a struct.
func (f *Function) InvokeStruct(ctx context.Context, out any, args ...any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return errors.New(errors.PhaseInvoke, errors.KindInvalidInput).
			Symbol(f.name).
			GoType(reflect.TypeOf(out).String()).
			Detail("result target must be a non-nil pointer to a struct").
			Build()
	}
	v, err := f.Invoke(ctx, rv.Elem().Type(), args...)
	if err != nil {
		return err
	}
	rv.Elem().Set(reflect.ValueOf(v))
	return nil
}

func (f *Function) String() string {
	return f.lib.Name() + "." + f.name
}

// argValue converts a dynamic argument. nil yields the invalid Value, which
// lowers to NULL for reference types and is rejected for by-value types.
func argValue(a any) reflect.Value {
	if a == nil {
		return reflect.Value{}
	}
	return reflect.ValueOf(a)
}
