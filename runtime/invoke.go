package runtime

import (
	"context"
	"reflect"
	goruntime "runtime"

	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/internal/thread"
	"github.com/wippyai/ffi-runtime/transcoder"
)

// invoke performs one native call. Arguments from index fixed on are
// variadic; a variadic call always ends with a NULL sentinel.
func (f *Function) invoke(ctx context.Context, ret reflect.Type, declared []reflect.Type, args []reflect.Value, fixed int, variadic bool) (reflect.Value, error) {
	n := len(args)
	if variadic {
		n++
	}
	if n > MaxArgs {
		return reflect.Value{}, errors.ArgCount(f.name, n, MaxArgs)
	}
	addr, err := f.Address()
	if err != nil {
		return reflect.Value{}, err
	}

	l := f.lib
	callbacks := l.callbacks.Scope()
	defer callbacks.Close()
	scope := l.codec.Scope()
	scope.Callbacks = callbacks
	codec := l.codec.WithScope(scope)

	var retCT *transcoder.CompiledType
	retABI := abi.Type{Kind: abi.Void}
	if ret != nil {
		retCT, err = codec.Compile(ret)
		if err == nil {
			err = transcoder.CheckResult(retCT)
		}
		if err != nil {
			return reflect.Value{}, withSymbol(err, f.name)
		}
		retABI = retCT.ABI
	}

	call := codec.NewCall()
	defer call.Release()

	frame := abi.Frame{Args: make([]abi.Arg, 0, len(args)+1), Fixed: len(args)}
	for i, v := range args {
		ct, err := codec.Compile(declared[i])
		if err != nil {
			return reflect.Value{}, withSymbol(err, f.name)
		}
		a, err := call.Lower(ct, v, i)
		if err != nil {
			return reflect.Value{}, withSymbol(err, f.name)
		}
		if i >= fixed {
			a = transcoder.PromoteVariadic(a)
		}
		frame.Args = append(frame.Args, a)
	}
	if variadic {
		frame.Fixed = fixed
		frame.Args = append(frame.Args, abi.Arg{Type: abi.Scalar(abi.Pointer, l.Space().Platform())})
	}

	res, err := f.dispatch(ctx, addr, engine.Request{
		Frame:      frame,
		Ret:        retABI,
		Convention: f.conv,
		ClearErrno: true,
	})
	if err != nil {
		return reflect.Value{}, withSymbol(err, f.name)
	}
	if err := call.Sync(); err != nil {
		return reflect.Value{}, withSymbol(err, f.name)
	}
	if res.Errno != 0 && l.opts.ThrowLastError {
		return reflect.Value{}, lastError(f.name, res.Errno, l.Space().Platform())
	}
	v, err := call.Lift(retCT, res)
	if err != nil {
		return reflect.Value{}, withSymbol(err, f.name)
	}
	return v, nil
}

// dispatch runs the call on a locked thread and records its error code for
// that thread. A synchronized library is locked per thread, so callbacks
// running on the calling thread may call into it again.
func (f *Function) dispatch(ctx context.Context, addr uint64, req engine.Request) (abi.Result, error) {
	l := f.lib
	goruntime.LockOSThread()
	defer goruntime.UnlockOSThread()
	if l.opts.Synchronized {
		l.monitor.lock(thread.ID())
		defer l.monitor.unlock()
	}

	res, err := l.native.Call(ctx, addr, req)
	if err != nil {
		Logger().Debug("native call failed",
			zap.String("library", l.Name()),
			zap.String("symbol", f.name),
			zap.Error(err))
		return res, err
	}
	SetLastError(res.Errno)
	return res, nil
}

// withSymbol names the called function in errors that do not name one.
func withSymbol(err error, symbol string) error {
	e, ok := err.(*errors.Error)
	if !ok || e.Symbol != "" {
		return err
	}
	named := *e
	named.Symbol = symbol
	return &named
}
