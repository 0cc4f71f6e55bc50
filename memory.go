package ffiruntime

// Memory is a view of native memory addressed by absolute 64-bit addresses.
// Reads return copies; implementations do not retain the returned slices.
type Memory interface {
	Read(addr uint64, length uint64) ([]byte, error)
	Write(addr uint64, data []byte) error
	ReadU8(addr uint64) (uint8, error)
	ReadU16(addr uint64) (uint16, error)
	ReadU32(addr uint64) (uint32, error)
	ReadU64(addr uint64) (uint64, error)
	WriteU8(addr uint64, value uint8) error
	WriteU16(addr uint64, value uint16) error
	WriteU32(addr uint64, value uint32) error
	WriteU64(addr uint64, value uint64) error
}

// MemorySizer reports the number of addressable bytes when the memory is bounded
// (sandboxed linear memory). Process memory does not implement it.
type MemorySizer interface {
	Size() uint64
}

// Allocator allocates native memory. Returned blocks are not guaranteed to be
// zeroed; callers that need zeroed memory clear it themselves.
type Allocator interface {
	Alloc(size, align uint64) (uint64, error)
	Free(ptr uint64)
}
