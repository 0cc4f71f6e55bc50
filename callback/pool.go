package callback

import (
	"sync"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
)

// stub is a native entry point and the slot routing its calls.
type stub struct {
	addr uint64
	slot *engine.Slot
}

type poolKey struct {
	conv  abi.CallingConvention
	shape string
}

// stubPool holds released entry points of one convention and shape. Engines
// never free entry points, so they are reused instead.
type stubPool struct {
	free []*stub
	mu   sync.Mutex
}

func (p *stubPool) get() *stub {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	s := p.free[n-1]
	p.free[n-1] = nil
	p.free = p.free[:n-1]
	return s
}

func (p *stubPool) put(s *stub) {
	s.slot.Unbind()
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
}

func (p *stubPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
