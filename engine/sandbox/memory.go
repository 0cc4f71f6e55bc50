package sandbox

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
)

// mallocAlign is the alignment malloc guarantees on wasm32.
const mallocAlign = 16

// Memory wraps a module's linear memory.
type Memory struct {
	mem api.Memory
}

func (m *Memory) offset(addr, length uint64) (uint32, error) {
	size := uint64(m.mem.Size())
	if addr > size || length > size-addr {
		return 0, fmt.Errorf("access out of bounds: addr=%#x len=%d size=%d", addr, length, size)
	}
	return uint32(addr), nil
}

func (m *Memory) Read(addr uint64, length uint64) ([]byte, error) {
	off, err := m.offset(addr, length)
	if err != nil {
		return nil, err
	}
	data, ok := m.mem.Read(off, uint32(length))
	if !ok {
		return nil, fmt.Errorf("read out of bounds: addr=%#x len=%d", addr, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Memory) Write(addr uint64, data []byte) error {
	off, err := m.offset(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	if !m.mem.Write(off, data) {
		return fmt.Errorf("write out of bounds: addr=%#x len=%d", addr, len(data))
	}
	return nil
}

func (m *Memory) ReadU8(addr uint64) (uint8, error) {
	off, err := m.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadByte(off)
	return v, nil
}

func (m *Memory) ReadU16(addr uint64) (uint16, error) {
	off, err := m.offset(addr, 2)
	if err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadUint16Le(off)
	return v, nil
}

func (m *Memory) ReadU32(addr uint64) (uint32, error) {
	off, err := m.offset(addr, 4)
	if err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadUint32Le(off)
	return v, nil
}

func (m *Memory) ReadU64(addr uint64) (uint64, error) {
	off, err := m.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	v, _ := m.mem.ReadUint64Le(off)
	return v, nil
}

func (m *Memory) WriteU8(addr uint64, value uint8) error {
	off, err := m.offset(addr, 1)
	if err != nil {
		return err
	}
	m.mem.WriteByte(off, value)
	return nil
}

func (m *Memory) WriteU16(addr uint64, value uint16) error {
	off, err := m.offset(addr, 2)
	if err != nil {
		return err
	}
	m.mem.WriteUint16Le(off, value)
	return nil
}

func (m *Memory) WriteU32(addr uint64, value uint32) error {
	off, err := m.offset(addr, 4)
	if err != nil {
		return err
	}
	m.mem.WriteUint32Le(off, value)
	return nil
}

func (m *Memory) WriteU64(addr uint64, value uint64) error {
	off, err := m.offset(addr, 8)
	if err != nil {
		return err
	}
	m.mem.WriteUint64Le(off, value)
	return nil
}

// Size returns the current size of linear memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(m.mem.Size())
}

// allocator calls the library's exported malloc and free.
type allocator struct {
	lib *Library
}

func (a allocator) Alloc(size, align uint64) (uint64, error) {
	a.lib.mu.Lock()
	defer a.lib.mu.Unlock()
	if a.lib.closed {
		return 0, errors.Closed(errors.PhaseMemory, "library "+a.lib.name)
	}
	ptr, err := a.lib.malloc(context.Background(), size, align)
	return uint64(ptr), err
}

func (a allocator) Free(ptr uint64) {
	a.lib.mu.Lock()
	defer a.lib.mu.Unlock()
	if a.lib.closed || ptr == 0 {
		return
	}
	a.lib.free(context.Background(), uint32(ptr))
}

// malloc allocates in library memory. The caller holds l.mu.
func (l *Library) malloc(ctx context.Context, size, align uint64) (uint32, error) {
	if l.mallocFn == nil {
		return 0, errors.NotInitialized(errors.PhaseMemory, "allocator of library "+l.name)
	}
	if align > mallocAlign {
		return 0, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Detail("alignment %d exceeds the %d bytes malloc guarantees", align, mallocAlign).
			Build()
	}
	if size > math.MaxUint32 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	res, err := l.mallocFn.Call(ctx, size)
	if err != nil {
		return 0, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Symbol(l.cfg.Malloc).
			Cause(err).
			Build()
	}
	ptr := uint32(res[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	return ptr, nil
}

// free releases library memory. The caller holds l.mu.
func (l *Library) free(ctx context.Context, ptr uint32) {
	if l.freeFn == nil || ptr == 0 {
		return
	}
	if _, err := l.freeFn.Call(ctx, uint64(ptr)); err != nil {
		engine.Logger().Warn("free failed",
			zap.String("library", l.name),
			zap.Uint32("ptr", ptr),
			zap.Error(err))
	}
}

var (
	_ ffiruntime.Memory      = (*Memory)(nil)
	_ ffiruntime.MemorySizer = (*Memory)(nil)
	_ ffiruntime.Allocator   = allocator{}
)
