package sandbox

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
)

// trampoline is an imported function native code reaches through a
// function pointer. NewStub assigns it to a slot for the library's
// lifetime; the slot's binding changes as callbacks come and go.
type trampoline struct {
	lib     *Library
	slot    atomic.Pointer[engine.Slot]
	name    string
	params  []api.ValueType
	results []api.ValueType
	index   int
	addr    uint32
}

func newTrampoline(lib *Library, field string, def api.FunctionDefinition) (*trampoline, error) {
	digits := strings.TrimLeft(field, "abcdefghijklmnopqrstuvwxyz_")
	index, err := strconv.Atoi(digits)
	if err != nil {
		return nil, errors.Load("trampoline import "+field+" has no index", err)
	}
	return &trampoline{
		lib:     lib,
		name:    field,
		index:   index,
		params:  def.ParamTypes(),
		results: def.ResultTypes(),
	}, nil
}

// locateTrampolines asks the module for the function pointer of every
// trampoline.
func (l *Library) locateTrampolines(ctx context.Context) error {
	if len(l.tramps) == 0 {
		return nil
	}
	lookup := l.module.ExportedFunction(l.cfg.TrampolineLookup)
	if lookup == nil {
		return errors.Load(l.name+" imports trampolines but does not export "+l.cfg.TrampolineLookup, nil)
	}
	for _, t := range l.tramps {
		res, err := lookup.Call(ctx, uint64(t.index))
		if err != nil {
			return errors.Load("locate trampoline "+t.name, err)
		}
		if len(res) == 0 || uint32(res[0]) == 0 {
			return errors.Load("trampoline "+t.name+" is not in the function table", nil)
		}
		t.addr = uint32(res[0])
	}
	return nil
}

// NewStub assigns a free trampoline of matching wasm type to slot and
// returns its function pointer.
func (l *Library) NewStub(conv abi.CallingConvention, sig abi.Signature, slot *engine.Slot) (uint64, error) {
	params, results := signatureTypes(sig, false)
	for _, t := range l.tramps {
		if !sameTypes(t.params, params) || !sameTypes(t.results, results) {
			continue
		}
		if t.slot.CompareAndSwap(nil, slot) {
			engine.Logger().Debug("trampoline assigned",
				zap.String("library", l.name),
				zap.String("trampoline", t.name),
				zap.String("signature", sig.Shape()))
			return uint64(t.addr), nil
		}
	}
	return 0, errors.New(errors.PhaseCallback, errors.KindAllocation).
		Detail("%s has no free trampoline of type %s for %s", l.name, typeString(params, results), sig.Shape()).
		Build()
}

// call runs when native code invokes the trampoline. The library lock held
// by the enclosing Call is released while Go code runs.
func (t *trampoline) call(_ context.Context, _ api.Module, stack []uint64) {
	slot := t.slot.Load()
	if slot == nil {
		engine.Logger().Warn("native code called an unassigned trampoline",
			zap.String("library", t.lib.name),
			zap.String("trampoline", t.name))
		for i := range t.results {
			stack[i] = 0
		}
		return
	}

	sig := slot.Signature()
	var sret uint32
	values := stack[:len(t.params)]
	if indirectResult(sig.Ret) {
		sret = uint32(values[0])
		values = values[1:]
	}
	args := make([]abi.Arg, len(sig.Params))
	for i, p := range sig.Params {
		args[i] = t.lib.raiseArg(p, values[i])
	}

	res := t.dispatch(slot, args)

	switch {
	case sig.Ret.IsVoid():
	case sret != 0:
		t.lib.mem.Write(sret, fit(res.Bytes, sig.Ret.Size))
	case sig.Ret.Kind == abi.Struct:
		m, _ := direct(sig.Ret)
		w := bytesWord(fit(res.Bytes, sig.Ret.Size)[m.Offset : m.Offset+m.Size])
		stack[0] = encodeWord(m.Kind, w)
	default:
		stack[0] = encodeWord(sig.Ret.Kind, res.Word)
	}
}

func (t *trampoline) dispatch(slot *engine.Slot, args []abi.Arg) abi.Result {
	t.lib.mu.Unlock()
	defer t.lib.mu.Lock()
	return slot.Invoke(args)
}

// raiseArg converts an incoming wasm argument to an abi argument.
func (l *Library) raiseArg(t abi.Type, v uint64) abi.Arg {
	if t.Kind != abi.Struct {
		return abi.Arg{Type: t, Word: decodeWord(t.Kind, v)}
	}
	if m, ok := direct(t); ok {
		out := make([]byte, t.Size)
		copy(out[m.Offset:], wordBytes(decodeWord(m.Kind, v), m.Size))
		return abi.Arg{Type: t, Bytes: out}
	}
	data, ok := l.mem.Read(uint32(v), uint32(t.Size))
	if !ok {
		engine.Logger().Warn("aggregate argument out of bounds",
			zap.String("library", l.name),
			zap.Uint64("addr", v))
		return abi.Arg{Type: t, Bytes: make([]byte, t.Size)}
	}
	return abi.Arg{Type: t, Bytes: append([]byte(nil), data...)}
}

// fit returns b resized to n bytes.
func fit(b []byte, n uint64) []byte {
	if uint64(len(b)) == n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
