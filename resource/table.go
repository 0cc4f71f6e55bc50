package resource

import (
	"slices"
	"sync"
	"sync/atomic"
)

// UnifiedTable tracks runtime resources by handle and reports their
// lifecycle to observers. Observers run synchronously on the goroutine
// that caused the event, with no table lock held.
type UnifiedTable struct {
	backend   *LocalBackend
	closed    atomic.Bool
	subMu     sync.Mutex
	observers atomic.Pointer[[]Observer]
}

// NewTable creates an empty table.
func NewTable() *UnifiedTable {
	return &UnifiedTable{backend: NewLocalBackend()}
}

// Insert adds a value with no native address. It returns 0 once the table
// is closed.
func (t *UnifiedTable) Insert(typeID uint32, value any) Handle {
	return t.InsertAt(typeID, 0, value)
}

// InsertAt adds a value that owns or represents native address addr.
func (t *UnifiedTable) InsertAt(typeID uint32, addr uint64, value any) Handle {
	if t.closed.Load() {
		return 0
	}
	h, err := t.backend.CreateAt(typeID, addr, value)
	if err != nil {
		return 0
	}
	t.notify(Event{Type: EventCreated, Handle: h, TypeID: typeID, Addr: addr, Value: value})
	return h
}

func (t *UnifiedTable) Get(handle Handle) (any, bool) {
	return t.backend.Get(handle)
}

// GetTyped is Get restricted to resources of typeID.
func (t *UnifiedTable) GetTyped(handle Handle, typeID uint32) (any, bool) {
	s, ok := t.backend.snapshot(handle)
	if !ok || s.typeID != typeID {
		return nil, false
	}
	return s.value, true
}

func (t *UnifiedTable) Addr(handle Handle) (uint64, bool) {
	return t.backend.Addr(handle)
}

// Borrow pins handle for the duration of a call. Borrowed resources cannot
// be removed.
func (t *UnifiedTable) Borrow(handle Handle) bool {
	if !t.backend.Borrow(handle) {
		return false
	}
	t.notify(Event{Type: EventBorrowed, Handle: handle})
	return true
}

func (t *UnifiedTable) ReturnBorrow(handle Handle) bool {
	if !t.backend.ReturnBorrow(handle) {
		return false
	}
	t.notify(Event{Type: EventBorrowReturned, Handle: handle})
	return true
}

func (t *UnifiedTable) Borrows(handle Handle) uint32 {
	return t.backend.Borrows(handle)
}

// Remove drops an unborrowed resource, runs its Dropper and reports
// EventDropped.
func (t *UnifiedTable) Remove(handle Handle) (any, bool) {
	s, ok := t.backend.snapshot(handle)
	if !ok {
		return nil, false
	}
	v, ok := t.backend.Drop(handle)
	if !ok {
		return nil, false
	}
	if d, ok := v.(Dropper); ok {
		d.Drop()
	}
	t.notify(Event{Type: EventDropped, Handle: handle, TypeID: s.typeID, Addr: s.addr, Value: v})
	return v, true
}

func (t *UnifiedTable) Subscribe(o Observer) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	var next []Observer
	if cur := t.observers.Load(); cur != nil {
		next = slices.Clone(*cur)
	}
	next = append(next, o)
	t.observers.Store(&next)
}

func (t *UnifiedTable) Unsubscribe(o Observer) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	cur := t.observers.Load()
	if cur == nil {
		return
	}
	next := slices.DeleteFunc(slices.Clone(*cur), func(x Observer) bool { return x == o })
	t.observers.Store(&next)
}

func (t *UnifiedTable) Len() int {
	return t.backend.Len()
}

// Clear removes every resource that is not borrowed.
func (t *UnifiedTable) Clear() {
	var hs []Handle
	t.backend.Each(func(h Handle, _ uint32, _ any) bool {
		hs = append(hs, h)
		return true
	})
	for _, h := range hs {
		t.Remove(h)
	}
}

// Close drops everything, borrowed resources included. Later inserts
// return 0.
func (t *UnifiedTable) Close() error {
	t.closed.Store(true)
	return t.backend.Close()
}

// Backend exposes the storage behind the table.
func (t *UnifiedTable) Backend() AddressBackend {
	return t.backend
}

func (t *UnifiedTable) notify(e Event) {
	cur := t.observers.Load()
	if cur == nil {
		return
	}
	for _, o := range *cur {
		o.OnResourceEvent(e)
	}
}

var _ Table = (*UnifiedTable)(nil)
