package resource

import (
	"errors"
	"sync"
)

var (
	ErrClosed   = errors.New("resource backend closed")
	ErrZeroType = errors.New("resource type id 0 is reserved")
)

// slot holds one tracked resource. A zero typeID marks a free slot.
type slot struct {
	value   any
	addr    uint64
	typeID  uint32
	borrows uint32
}

// LocalBackend keeps resources in a slice indexed by handle-1. Freed slots
// are reused last in, first out so handles stay small.
type LocalBackend struct {
	mu     sync.RWMutex
	slots  []slot
	free   []Handle
	live   int
	closed bool
}

// NewLocalBackend creates an empty backend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{slots: make([]slot, 0, 64)}
}

// Create stores value with no native address.
func (b *LocalBackend) Create(typeID uint32, value any) (Handle, error) {
	return b.CreateAt(typeID, 0, value)
}

// CreateAt stores value as the owner of native address addr.
func (b *LocalBackend) CreateAt(typeID uint32, addr uint64, value any) (Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	if typeID == 0 {
		return 0, ErrZeroType
	}

	s := slot{value: value, addr: addr, typeID: typeID}
	b.live++
	if n := len(b.free); n > 0 {
		h := b.free[n-1]
		b.free = b.free[:n-1]
		b.slots[h-1] = s
		return h, nil
	}
	b.slots = append(b.slots, s)
	return Handle(len(b.slots)), nil
}

// at returns the occupied slot for h or nil. Callers hold mu.
func (b *LocalBackend) at(h Handle) *slot {
	if h == 0 || int(h) > len(b.slots) {
		return nil
	}
	if s := &b.slots[h-1]; s.typeID != 0 {
		return s
	}
	return nil
}

// snapshot copies the slot for h under the read lock.
func (b *LocalBackend) snapshot(h Handle) (slot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s := b.at(h); s != nil {
		return *s, true
	}
	return slot{}, false
}

func (b *LocalBackend) Get(handle Handle) (any, bool) {
	s, ok := b.snapshot(handle)
	return s.value, ok
}

func (b *LocalBackend) Addr(handle Handle) (uint64, bool) {
	s, ok := b.snapshot(handle)
	return s.addr, ok
}

func (b *LocalBackend) TypeID(handle Handle) (uint32, bool) {
	s, ok := b.snapshot(handle)
	return s.typeID, ok
}

// Borrows reports how many calls currently hold handle.
func (b *LocalBackend) Borrows(handle Handle) uint32 {
	s, _ := b.snapshot(handle)
	return s.borrows
}

// Borrow records one more in-flight use of handle.
func (b *LocalBackend) Borrow(handle Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.at(handle)
	if s == nil {
		return false
	}
	s.borrows++
	return true
}

// ReturnBorrow ends one in-flight use of handle.
func (b *LocalBackend) ReturnBorrow(handle Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.at(handle)
	if s == nil || s.borrows == 0 {
		return false
	}
	s.borrows--
	return true
}

// Drop frees the slot of handle and returns its value. A borrowed handle
// is left in place.
func (b *LocalBackend) Drop(handle Handle) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.at(handle)
	if s == nil || s.borrows > 0 {
		return nil, false
	}
	v := s.value
	*s = slot{}
	b.free = append(b.free, handle)
	b.live--
	return v, true
}

func (b *LocalBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.live
}

// Each calls fn for every live resource in handle order until fn returns
// false. fn must not modify the backend.
func (b *LocalBackend) Each(fn func(Handle, uint32, any) bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := range b.slots {
		s := &b.slots[i]
		if s.typeID != 0 && !fn(Handle(i+1), s.typeID, s.value) {
			return
		}
	}
}

// Close drops every resource, borrowed or not, and rejects further
// creation with ErrClosed.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	slots := b.slots
	b.slots, b.free, b.live = nil, nil, 0
	b.mu.Unlock()

	for _, s := range slots {
		if d, ok := s.value.(Dropper); ok && s.typeID != 0 {
			d.Drop()
		}
	}
	return nil
}

var _ AddressBackend = (*LocalBackend)(nil)
