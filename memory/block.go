package memory

import (
	"fmt"
	"runtime"
	"sync/atomic"

	ffiruntime "github.com/wippyai/ffi-runtime"
	"github.com/wippyai/ffi-runtime/resource"
)

// Block is an owned native allocation. It is freed exactly once: by Close,
// or by the coordinator's reclaimer after the Block becomes unreachable.
// Pointers derived from a Block keep it reachable.
type Block struct {
	space   *Space
	cleanup runtime.Cleanup
	addr    uint64
	size    uint64
	handle  resource.Handle
	closed  atomic.Bool
}

// freer is the table entry for a block. It must not reference the Block so
// that the Block can become unreachable.
type freer struct {
	alloc ffiruntime.Allocator
	addr  uint64
}

func (f freer) Drop() {
	f.alloc.Free(f.addr)
}

func newBlock(s *Space, addr, size uint64) *Block {
	b := &Block{space: s, addr: addr, size: size}
	b.handle = s.coord.Track(resource.TypeBlock, addr, freer{alloc: s.alloc, addr: addr})
	b.cleanup = runtime.AddCleanup(b, s.coord.Release, b.handle)
	return b
}

// Address returns the start of the block.
func (b *Block) Address() uint64 {
	return b.addr
}

// Size returns the block length in bytes.
func (b *Block) Size() uint64 {
	return b.size
}

// Space returns the address space the block was allocated in.
func (b *Block) Space() *Space {
	return b.space
}

// Handle returns the coordinator handle tracking the block.
func (b *Block) Handle() resource.Handle {
	return b.handle
}

// Closed reports whether Close has been called.
func (b *Block) Closed() bool {
	return b.closed.Load()
}

// Pointer returns a bounded pointer covering the whole block.
func (b *Block) Pointer() Pointer {
	return Pointer{space: b.space, owner: b, addr: b.addr, size: b.size, bounded: true}
}

// Share returns a pointer to a sub-range of the block. The pointer keeps the
// block alive and its accesses are checked against the sub-range.
func (b *Block) Share(offset, size uint64) (Pointer, error) {
	return b.Pointer().Share(offset, size)
}

// Borrow marks the block as in use by a native call. A Close or collection
// during the call defers the free until Return.
func (b *Block) Borrow() bool {
	if b.closed.Load() {
		return false
	}
	return b.space.coord.Borrow(b.handle)
}

// Return ends a borrow taken with Borrow.
func (b *Block) Return() {
	b.space.coord.Return(b.handle)
	runtime.KeepAlive(b)
}

// Close frees the block. Calling Close more than once is a no-op.
func (b *Block) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cleanup.Stop()
	b.space.coord.Drop(b.handle)
	return nil
}

func (b *Block) String() string {
	return fmt.Sprintf("block@%#x[%d]", b.addr, b.size)
}
