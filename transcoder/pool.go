package transcoder

import (
	"sync"

	"github.com/wippyai/ffi-runtime/memory"
)

// AllocationList collects temporary native blocks so they can be freed
// together once the memory referencing them is no longer used.
type AllocationList struct {
	blocks []*memory.Block
}

var allocationListPool = sync.Pool{
	New: func() any {
		return &AllocationList{blocks: make([]*memory.Block, 0, 8)}
	},
}

func NewAllocationList() *AllocationList {
	return allocationListPool.Get().(*AllocationList)
}

const maxPooledAllocationCapacity = 128

// Release returns to pool. Must call after Free(); list invalid after Release.
func (al *AllocationList) Release() {
	if cap(al.blocks) > maxPooledAllocationCapacity {
		return
	}
	al.Reset()
	allocationListPool.Put(al)
}

func (al *AllocationList) FreeAndRelease() {
	al.Free()
	al.Release()
}

func (al *AllocationList) Add(b *memory.Block) {
	al.blocks = append(al.blocks, b)
}

// Free closes every block in reverse allocation order.
func (al *AllocationList) Free() {
	for i := len(al.blocks) - 1; i >= 0; i-- {
		al.blocks[i].Close()
	}
	al.Reset()
}

func (al *AllocationList) Reset() {
	clear(al.blocks)
	al.blocks = al.blocks[:0]
}

func (al *AllocationList) Count() int {
	return len(al.blocks)
}
