//go:build (darwin || linux) && (amd64 || arm64)

package native

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/errors"
)

// processMemory accesses the process address space directly. Addresses
// are trusted: an invalid address faults the process as it would in C.
type processMemory struct{}

func at(addr uint64) unsafe.Pointer {
	u := uintptr(addr)
	return *(*unsafe.Pointer)(unsafe.Pointer(&u))
}

func view(addr, length uint64) ([]byte, error) {
	if addr == 0 {
		return nil, fmt.Errorf("access through NULL")
	}
	return unsafe.Slice((*byte)(at(addr)), length), nil
}

func (processMemory) Read(addr uint64, length uint64) ([]byte, error) {
	data, err := view(addr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

func (processMemory) Write(addr uint64, data []byte) error {
	dst, err := view(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func (processMemory) ReadU8(addr uint64) (uint8, error) {
	b, err := view(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (processMemory) ReadU16(addr uint64) (uint16, error) {
	b, err := view(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (processMemory) ReadU32(addr uint64) (uint32, error) {
	b, err := view(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (processMemory) ReadU64(addr uint64) (uint64, error) {
	b, err := view(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (processMemory) WriteU8(addr uint64, value uint8) error {
	b, err := view(addr, 1)
	if err != nil {
		return err
	}
	b[0] = value
	return nil
}

func (processMemory) WriteU16(addr uint64, value uint16) error {
	b, err := view(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, value)
	return nil
}

func (processMemory) WriteU32(addr uint64, value uint32) error {
	b, err := view(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, value)
	return nil
}

func (processMemory) WriteU64(addr uint64, value uint64) error {
	b, err := view(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, value)
	return nil
}

// mallocAlign is the alignment malloc guarantees on 64-bit targets.
const mallocAlign = 16

// allocator is the C heap.
type allocator struct {
	malloc       func(size uintptr) uintptr
	alignedAlloc func(align, size uintptr) uintptr
	free         func(ptr uintptr)
}

func newAllocator(libc uintptr) (*allocator, error) {
	a := &allocator{}
	for _, sym := range []string{"malloc", "aligned_alloc", "free"} {
		if _, err := purego.Dlsym(libc, sym); err != nil {
			return nil, errors.Unresolved(sym, err)
		}
	}
	purego.RegisterLibFunc(&a.malloc, libc, "malloc")
	purego.RegisterLibFunc(&a.alignedAlloc, libc, "aligned_alloc")
	purego.RegisterLibFunc(&a.free, libc, "free")
	return a, nil
}

func (a *allocator) Alloc(size, align uint64) (uint64, error) {
	var p uintptr
	if align <= mallocAlign {
		p = a.malloc(uintptr(size))
	} else {
		// aligned_alloc wants a size that is a multiple of the alignment
		p = a.alignedAlloc(uintptr(align), uintptr((size+align-1)/align*align))
	}
	if p == 0 {
		return 0, fmt.Errorf("C allocator returned NULL for %d bytes", size)
	}
	return uint64(p), nil
}

func (a *allocator) Free(ptr uint64) {
	a.free(uintptr(ptr))
}

var (
	_ ffiruntime.Memory    = processMemory{}
	_ ffiruntime.Allocator = (*allocator)(nil)
)
