package engine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
)

// Dispatch handles a call arriving at a native entry point.
type Dispatch func(args []abi.Arg) abi.Result

// Slot connects a native entry point to the Go code currently serving it.
// Rebinding a slot lets an entry point be reused for another callback of
// the same shape.
type Slot struct {
	target atomic.Pointer[Dispatch]
	sig    abi.Signature
}

func NewSlot(sig abi.Signature) *Slot {
	return &Slot{sig: sig}
}

// Signature returns the native shape served by the slot.
func (s *Slot) Signature() abi.Signature {
	return s.sig
}

// Bind routes calls to d.
func (s *Slot) Bind(d Dispatch) {
	s.target.Store(&d)
}

// Unbind detaches the slot. Calls arriving afterwards return zero.
func (s *Slot) Unbind() {
	s.target.Store(nil)
}

func (s *Slot) Bound() bool {
	return s.target.Load() != nil
}

// Invoke runs the bound dispatch. An unbound slot logs and returns a zero
// result of the slot's return type.
func (s *Slot) Invoke(args []abi.Arg) abi.Result {
	d := s.target.Load()
	if d == nil {
		Logger().Warn("native code called a released callback",
			zap.String("signature", s.sig.Shape()))
		return ZeroResult(s.sig.Ret)
	}
	return (*d)(args)
}

// ZeroResult returns the zero value of t.
func ZeroResult(t abi.Type) abi.Result {
	if t.Kind == abi.Struct {
		return abi.Result{Bytes: make([]byte, t.Size)}
	}
	return abi.Result{}
}
