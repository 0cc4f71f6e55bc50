// Package memory provides typed access to native memory.
//
// A Space ties together the memory addresses refer to, the allocator that
// owns blocks in it and the platform data model. Pointer is an unowned
// address with optional bounds; Block is an owned, zero-initialized
// allocation that is freed once, either by Close or by the resource
// coordinator after the Block becomes unreachable.
//
//	blk, err := space.Allocate(16)
//	if err != nil {
//	    return err
//	}
//	defer blk.Close()
//
//	p := blk.Pointer()
//	p.SetInt32(0, 42)
//	view, _ := blk.Share(8, 8) // bounded view, keeps blk alive
package memory
