// Package testlib provides deterministic native stand-ins for tests: an
// in-process byte slice memory and a hand-assembled wasm32 library.
package testlib

import (
	"encoding/binary"
	"fmt"
	"sync"

	ffiruntime "github.com/wippyai/ffi-runtime"
)

// heapBase keeps allocations clear of address 0.
const heapBase = 1024

// SliceMemory is a little-endian memory backed by a byte slice with a bump
// allocator. Freed blocks are recorded, never reused.
type SliceMemory struct {
	data  []byte
	live  map[uint64]uint64
	freed []uint64
	next  uint64
	mu    sync.Mutex
}

// NewSliceMemory creates a memory of size bytes.
func NewSliceMemory(size int) *SliceMemory {
	return &SliceMemory{
		data: make([]byte, size),
		live: make(map[uint64]uint64),
		next: heapBase,
	}
}

func (m *SliceMemory) bounds(addr, n uint64) error {
	if addr > uint64(len(m.data)) || n > uint64(len(m.data))-addr {
		return fmt.Errorf("access out of bounds: addr=%#x len=%d size=%d", addr, n, len(m.data))
	}
	return nil
}

func (m *SliceMemory) Read(addr uint64, length uint64) ([]byte, error) {
	if err := m.bounds(addr, length); err != nil {
		return nil, err
	}
	return m.data[addr : addr+length], nil
}

func (m *SliceMemory) Write(addr uint64, data []byte) error {
	if err := m.bounds(addr, uint64(len(data))); err != nil {
		return err
	}
	copy(m.data[addr:], data)
	return nil
}

func (m *SliceMemory) ReadU8(addr uint64) (uint8, error) {
	if err := m.bounds(addr, 1); err != nil {
		return 0, err
	}
	return m.data[addr], nil
}

func (m *SliceMemory) ReadU16(addr uint64) (uint16, error) {
	if err := m.bounds(addr, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.data[addr:]), nil
}

func (m *SliceMemory) ReadU32(addr uint64) (uint32, error) {
	if err := m.bounds(addr, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.data[addr:]), nil
}

func (m *SliceMemory) ReadU64(addr uint64) (uint64, error) {
	if err := m.bounds(addr, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.data[addr:]), nil
}

func (m *SliceMemory) WriteU8(addr uint64, value uint8) error {
	if err := m.bounds(addr, 1); err != nil {
		return err
	}
	m.data[addr] = value
	return nil
}

func (m *SliceMemory) WriteU16(addr uint64, value uint16) error {
	if err := m.bounds(addr, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.data[addr:], value)
	return nil
}

func (m *SliceMemory) WriteU32(addr uint64, value uint32) error {
	if err := m.bounds(addr, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.data[addr:], value)
	return nil
}

func (m *SliceMemory) WriteU64(addr uint64, value uint64) error {
	if err := m.bounds(addr, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.data[addr:], value)
	return nil
}

func (m *SliceMemory) Size() uint64 {
	return uint64(len(m.data))
}

// Alloc implements ffiruntime.Allocator.
func (m *SliceMemory) Alloc(size, align uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if align == 0 {
		align = 1
	}
	addr := (m.next + align - 1) / align * align
	if addr+size > uint64(len(m.data)) {
		return 0, fmt.Errorf("out of memory: need %d bytes", size)
	}
	m.next = addr + size
	m.live[addr] = size
	return addr, nil
}

// Free implements ffiruntime.Allocator.
func (m *SliceMemory) Free(ptr uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.live[ptr]; ok {
		delete(m.live, ptr)
		m.freed = append(m.freed, ptr)
	}
}

// Live returns the number of allocations not yet freed.
func (m *SliceMemory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Freed returns the addresses passed to Free, in order.
func (m *SliceMemory) Freed() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, len(m.freed))
	copy(out, m.freed)
	return out
}

var (
	_ ffiruntime.Memory      = (*SliceMemory)(nil)
	_ ffiruntime.MemorySizer = (*SliceMemory)(nil)
	_ ffiruntime.Allocator   = (*SliceMemory)(nil)
)
