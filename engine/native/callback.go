//go:build (darwin || linux) && (amd64 || arm64)

package native

import (
	"reflect"

	"github.com/ebitengine/purego"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
)

// newStub creates a purego callback that forwards to slot.
func (e *Engine) newStub(conv abi.CallingConvention, sig abi.Signature, slot *engine.Slot) (addr uint64, err error) {
	for _, p := range sig.Params {
		if p.Kind == abi.Struct {
			return 0, errors.Unsupported(errors.PhaseCallback, "callback taking "+p.String()+" by value")
		}
	}
	if sig.Ret.Kind == abi.Struct {
		return 0, errors.Unsupported(errors.PhaseCallback, "callback returning "+sig.Ret.String())
	}
	ft, err := funcType(sig)
	if err != nil {
		return 0, err
	}

	fn := reflect.MakeFunc(ft, func(in []reflect.Value) []reflect.Value {
		args := make([]abi.Arg, len(in))
		for i, v := range in {
			args[i] = fromValue(sig.Params[i], v)
		}
		res := slot.Invoke(args)
		if sig.Ret.IsVoid() {
			return nil
		}
		return []reflect.Value{toValue(ft.Out(0), abi.Arg{Type: sig.Ret, Word: res.Word, Bytes: res.Bytes})}
	})

	defer func() {
		if r := recover(); r != nil {
			err = errors.New(errors.PhaseCallback, errors.KindUnsupported).
				Detail("cannot create entry point for %s: %v", sig.Shape(), r).
				Build()
		}
	}()
	return uint64(purego.NewCallback(fn.Interface())), nil
}
