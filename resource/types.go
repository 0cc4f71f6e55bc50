package resource

// Handle identifies a resource in a table. 0 is never a valid handle.
type Handle uint32

// Type IDs of the resources tracked by the runtime.
const (
	TypeBlock      uint32 = iota + 1 // owned native memory
	TypeTrampoline                   // callback entry point
	TypeObject                       // Go value passed to native code as an opaque handle
)

// EventType names a lifecycle transition.
type EventType uint8

const (
	EventCreated EventType = iota
	EventDropped
	EventBorrowed
	EventBorrowReturned
	EventReleaseDeferred
)

var eventNames = [...]string{
	EventCreated:         "created",
	EventDropped:         "dropped",
	EventBorrowed:        "borrowed",
	EventBorrowReturned:  "borrow_returned",
	EventReleaseDeferred: "release_deferred",
}

func (e EventType) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// Event describes one transition. Addr, TypeID and Value are set for
// creation and drop events only.
type Event struct {
	Value  any
	Addr   uint64
	Handle Handle
	TypeID uint32
	Type   EventType
}

// Observer is told about every transition in a table.
type Observer interface {
	OnResourceEvent(Event)
}

// Backend stores resource values by handle.
type Backend interface {
	Create(typeID uint32, value any) (Handle, error)
	Get(handle Handle) (any, bool)
	// Drop frees handle and returns its value. It fails for unknown or
	// borrowed handles; running the value's Dropper is up to the caller.
	Drop(handle Handle) (any, bool)
	Close() error
}

// AddressBackend also records the native address each resource stands for
// and how many in-flight calls or callback dispatches hold it.
type AddressBackend interface {
	Backend
	CreateAt(typeID uint32, addr uint64, value any) (Handle, error)
	Addr(handle Handle) (uint64, bool)
	Borrow(handle Handle) bool
	ReturnBorrow(handle Handle) bool
	Borrows(handle Handle) uint32
}

// Table is the typed, observable view used by the runtime.
type Table interface {
	Insert(typeID uint32, value any) Handle
	Get(handle Handle) (any, bool)
	GetTyped(handle Handle, typeID uint32) (any, bool)
	Remove(handle Handle) (any, bool)
	Subscribe(Observer)
	Unsubscribe(Observer)
	Len() int
	Clear()
	Close() error
}

// Dropper is implemented by values that release native state when their
// handle is removed, such as a block's memory or a trampoline's stub.
type Dropper interface {
	Drop()
}
