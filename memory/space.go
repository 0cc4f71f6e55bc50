package memory

import (
	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/resource"
)

// Space is a native address space: the memory that addresses refer to, the
// allocator that owns blocks in it and the platform data model.
type Space struct {
	mem      ffiruntime.Memory
	alloc    ffiruntime.Allocator
	coord    *resource.Coordinator
	platform abi.Platform
}

// NewSpace creates an address space. A nil coordinator selects
// resource.Default().
func NewSpace(mem ffiruntime.Memory, alloc ffiruntime.Allocator, platform abi.Platform, coord *resource.Coordinator) *Space {
	if coord == nil {
		coord = resource.Default()
	}
	return &Space{
		mem:      mem,
		alloc:    alloc,
		coord:    coord,
		platform: platform,
	}
}

func (s *Space) Memory() ffiruntime.Memory {
	return s.mem
}

func (s *Space) Allocator() ffiruntime.Allocator {
	return s.alloc
}

func (s *Space) Platform() abi.Platform {
	return s.platform
}

func (s *Space) Coordinator() *resource.Coordinator {
	return s.coord
}

// At returns an unbounded pointer to addr.
func (s *Space) At(addr uint64) Pointer {
	return Pointer{space: s, addr: addr}
}

// AtBounded returns a pointer to addr whose accesses are checked against size.
func (s *Space) AtBounded(addr, size uint64) Pointer {
	return Pointer{space: s, addr: addr, size: size, bounded: true}
}

// maxAlign is the strongest alignment any scalar needs on supported platforms.
const maxAlign = 16

// Allocate returns a zero-initialized block of size bytes aligned for any
// scalar type.
func (s *Space) Allocate(size uint64) (*Block, error) {
	return s.AllocateAligned(size, maxAlign)
}

// AllocateAligned returns a zero-initialized block with the given alignment.
func (s *Space) AllocateAligned(size, align uint64) (*Block, error) {
	if s.alloc == nil {
		return nil, errors.NotInitialized(errors.PhaseMemory, "allocator")
	}
	if size == 0 {
		size = 1
	}
	addr, err := s.alloc.Alloc(size, align)
	if err != nil {
		return nil, errors.New(errors.PhaseMemory, errors.KindAllocation).
			Detail("allocate %d bytes", size).
			Cause(err).
			Build()
	}
	if addr == 0 {
		return nil, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	if err := s.mem.Write(addr, make([]byte, size)); err != nil {
		s.alloc.Free(addr)
		return nil, errors.Wrap(errors.PhaseMemory, errors.KindOutOfBounds, err, "zero new block")
	}
	return newBlock(s, addr, size), nil
}
