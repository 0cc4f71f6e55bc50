package callback

import (
	"fmt"
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"weak"

	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/resource"
	"github.com/wippyai/ffi-runtime/transcoder"
)

type state int32

const (
	stateActive state = iota
	stateQuiescent
	stateReleased
)

func (s state) String() string {
	switch s {
	case stateActive:
		return "active"
	case stateQuiescent:
		return "quiescent"
	}
	return "released"
}

// record binds one Callback to one entry point. It holds the callback only
// weakly so that the callback's reachability decides the entry point's
// lifetime.
type record struct {
	mgr     *Manager
	cb      weak.Pointer[Callback]
	codec   *transcoder.Codec
	params  []*transcoder.CompiledType
	ret     *transcoder.CompiledType
	sig     abi.Signature
	key     poolKey
	stub    *stub
	handle  resource.Handle
	cleanup runtime.Cleanup
	state   atomic.Int32

	// temporaries of the last result handed to native code
	mu       sync.Mutex
	retained *transcoder.Call
	keep     *transcoder.AllocationList
}

func (r *record) addr() uint64 {
	return r.stub.addr
}

func (r *record) current() state {
	return state(r.state.Load())
}

// compile derives the native signature of cb under codec.
func compile(codec *transcoder.Codec, cb *Callback) (params []*transcoder.CompiledType, ret *transcoder.CompiledType, sig abi.Signature, err error) {
	t := cb.FuncType()
	params = make([]*transcoder.CompiledType, t.NumIn())
	sig.Params = make([]abi.Type, t.NumIn())
	for i := range params {
		ct, err := codec.Compile(t.In(i))
		if err != nil {
			return nil, nil, sig, err
		}
		switch ct.Kind {
		case transcoder.KindSlice, transcoder.KindArray, transcoder.KindBlock:
			return nil, nil, sig, errors.New(errors.PhaseCallback, errors.KindUnsupported).
				Path("arg" + strconv.Itoa(i)).
				GoType(ct.GoType.String()).
				Detail("callback parameters of unknown extent are not supported").
				Build()
		}
		params[i] = ct
		sig.Params[i] = ct.ABI
	}
	sig.Ret = abi.Type{Kind: abi.Void}
	if i := cb.result(); i >= 0 {
		ret, err = codec.Compile(t.Out(i))
		if err != nil {
			return nil, nil, sig, err
		}
		if err := transcoder.CheckResult(ret); err != nil {
			return nil, nil, sig, err
		}
		sig.Ret = ret.ABI
	}
	return params, ret, sig, nil
}

// dispatch serves a native call. It never fails towards native code:
// failures go to the handler and a zero result is returned.
func (r *record) dispatch(args []abi.Arg) abi.Result {
	m := r.mgr
	if !m.coord.Borrow(r.handle) {
		Logger().Warn("native code called a released callback",
			zap.Uint64("addr", r.addr()),
			zap.String("signature", r.sig.Shape()))
		return engine.ZeroResult(r.sig.Ret)
	}
	defer m.coord.Return(r.handle)

	cb := r.cb.Value()
	if cb == nil || r.current() != stateActive {
		Logger().Warn("native code called a collected callback",
			zap.Uint64("addr", r.addr()),
			zap.String("signature", r.sig.Shape()))
		return engine.ZeroResult(r.sig.Ret)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	leave := m.threads.enter(cb)
	defer leave()

	res, err := r.invoke(cb, args)
	if err != nil {
		m.handler.HandleCallbackError(cb, err)
		return engine.ZeroResult(r.sig.Ret)
	}
	return res
}

func (r *record) invoke(cb *Callback, args []abi.Arg) (res abi.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.New(errors.PhaseCallback, errors.KindPanic).
				Symbol(cb.Name()).
				Detail("callback panicked: %s", fmt.Sprint(p)).
				Build()
		}
	}()

	if len(args) != len(r.params) {
		return res, errors.ArgCount(cb.Name(), len(args), len(r.params))
	}
	call := r.codec.NewCall()
	keep := transcoder.NewAllocationList()
	retained := false
	defer func() {
		if !retained {
			call.Release()
			keep.FreeAndRelease()
		}
	}()

	in := make([]reflect.Value, len(r.params))
	for i, ct := range r.params {
		v, err := call.Lift(ct, abi.Result{Word: args[i].Word, Bytes: args[i].Bytes})
		if err != nil {
			return res, errors.New(errors.PhaseCallback, errors.KindInvalidData).
				Symbol(cb.Name()).
				Path("arg" + strconv.Itoa(i)).
				Cause(err).
				Detail("convert argument").
				Build()
		}
		in[i] = v
	}

	out := cb.fn.Call(in)
	if cb.errOut {
		if e := out[len(out)-1]; !e.IsNil() {
			return res, errors.New(errors.PhaseCallback, errors.KindNative).
				Symbol(cb.Name()).
				Cause(e.Interface().(error)).
				Detail("callback returned an error").
				Build()
		}
	}

	if err := r.writeBack(args, in, keep); err != nil {
		return res, err
	}

	if i := cb.result(); i >= 0 {
		arg, err := call.Lower(r.ret, out[i], 0)
		if err != nil {
			return res, errors.New(errors.PhaseCallback, errors.KindInvalidData).
				Symbol(cb.Name()).
				Path("result").
				Cause(err).
				Detail("convert result").
				Build()
		}
		res = abi.Result{Word: arg.Word, Bytes: arg.Bytes}
	}
	r.retain(call, keep)
	retained = true
	return res, nil
}

// writeBack copies arguments received by reference back to native memory.
func (r *record) writeBack(args []abi.Arg, in []reflect.Value, keep *transcoder.AllocationList) error {
	space := r.codec.Space()
	for i, ct := range r.params {
		if ct.Kind != transcoder.KindStructRef && ct.Kind != transcoder.KindScalarRef {
			continue
		}
		if args[i].Word == 0 || in[i].IsNil() {
			continue
		}
		if ar, ok := in[i].Interface().(transcoder.AutoReader); ok && !ar.AutoRead() {
			continue
		}
		p := space.AtBounded(args[i].Word, ct.Elem.Size)
		if err := r.codec.Encode(p, in[i].Interface(), keep); err != nil {
			return errors.New(errors.PhaseCallback, errors.KindInvalidData).
				Path("arg" + strconv.Itoa(i)).
				Cause(err).
				Detail("write back argument").
				Build()
		}
	}
	return nil
}

// retain keeps the temporaries of the latest result alive until the next
// dispatch or the release of the record.
func (r *record) retain(call *transcoder.Call, keep *transcoder.AllocationList) {
	r.mu.Lock()
	prevCall, prevKeep := r.retained, r.keep
	r.retained, r.keep = call, keep
	r.mu.Unlock()
	if prevCall != nil {
		prevCall.Release()
		prevKeep.FreeAndRelease()
	}
}

// quiesce runs once the callback is unreachable. The coordinator releases
// the entry point when no dispatch is in flight.
func (r *record) quiesce() {
	if r.state.CompareAndSwap(int32(stateActive), int32(stateQuiescent)) {
		r.mgr.coord.Release(r.handle)
	}
}

// discard deactivates the record and releases it now, or after the
// dispatches in flight return.
func (r *record) discard() bool {
	if !r.state.CompareAndSwap(int32(stateActive), int32(stateQuiescent)) {
		return false
	}
	r.mgr.coord.Drop(r.handle)
	return true
}

// dropper releases the entry point once the coordinator reclaims the
// record's handle, that is, once no dispatch is in flight.
type dropper struct {
	rec *record
}

func (d dropper) Drop() {
	d.rec.release()
}

func (r *record) release() {
	if state(r.state.Swap(int32(stateReleased))) == stateReleased {
		return
	}
	r.cleanup.Stop()
	m := r.mgr
	m.reverse.Compute(r.addr(), func(cur *record, loaded bool) (*record, bool) {
		return cur, !loaded || cur == r
	})
	m.forward.Compute(r.cb, func(cur *record, loaded bool) (*record, bool) {
		return cur, !loaded || cur == r
	})
	m.pinned.Delete(r.addr())

	r.mu.Lock()
	call, keep := r.retained, r.keep
	r.retained, r.keep = nil, nil
	r.mu.Unlock()
	if call != nil {
		call.Release()
		keep.FreeAndRelease()
	}

	m.pool(r.key).put(r.stub)
	Logger().Debug("callback released",
		zap.Uint64("addr", r.addr()),
		zap.String("signature", r.sig.Shape()))
}
