package resource

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Coordinator owns a handle table and reclaims released resources on a
// background goroutine. Release is safe to call from runtime cleanup
// functions: it never blocks on native code.
//
// A resource whose release is requested while borrowed stays alive until its
// last borrow is returned.
type Coordinator struct {
	table     *UnifiedTable
	pending   map[Handle]struct{}
	wake      chan struct{}
	flush     chan chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	queue     []Handle
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewCoordinator creates a coordinator and starts its reclaimer.
func NewCoordinator() *Coordinator {
	c := &Coordinator{
		table:   NewTable(),
		pending: make(map[Handle]struct{}),
		wake:    make(chan struct{}, 1),
		flush:   make(chan chan struct{}),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go c.run()
	return c
}

var (
	defaultCoordinator *Coordinator
	defaultOnce        sync.Once
)

// Default returns the process-wide coordinator.
func Default() *Coordinator {
	defaultOnce.Do(func() {
		defaultCoordinator = NewCoordinator()
	})
	return defaultCoordinator
}

// Table returns the underlying handle table.
func (c *Coordinator) Table() *UnifiedTable {
	return c.table
}

// Track registers value as a resource representing native address addr.
func (c *Coordinator) Track(typeID uint32, addr uint64, value any) Handle {
	return c.table.InsertAt(typeID, addr, value)
}

// Get returns the value tracked under handle.
func (c *Coordinator) Get(handle Handle) (any, bool) {
	return c.table.Get(handle)
}

// Borrow marks handle as in use by an in-flight call.
func (c *Coordinator) Borrow(handle Handle) bool {
	return c.table.Borrow(handle)
}

// Return ends one borrow. A deferred release proceeds once no borrows remain.
func (c *Coordinator) Return(handle Handle) {
	if !c.table.ReturnBorrow(handle) {
		return
	}
	if c.table.Borrows(handle) == 0 {
		c.requeue(handle)
	}
}

// Release schedules handle for reclamation on the background goroutine.
func (c *Coordinator) Release(handle Handle) {
	if handle == 0 {
		return
	}
	c.mu.Lock()
	c.queue = append(c.queue, handle)
	c.mu.Unlock()
	c.signal()
}

// Drop reclaims handle immediately when it has no borrows and reports
// whether it did. Otherwise the release is deferred until the last borrow is
// returned.
func (c *Coordinator) Drop(handle Handle) bool {
	if handle == 0 {
		return false
	}
	return c.release(handle)
}

// Pending returns the number of releases waiting for borrows to end.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Flush waits until every release queued before the call has been processed.
func (c *Coordinator) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case c.flush <- reply:
	case <-c.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the reclaimer and releases every remaining resource.
func (c *Coordinator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.stopped
		err = c.table.Close()
	})
	return err
}

func (c *Coordinator) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) deferRelease(handle Handle) {
	c.mu.Lock()
	c.pending[handle] = struct{}{}
	c.mu.Unlock()

	c.table.notify(Event{Type: EventReleaseDeferred, Handle: handle})

	// The last borrow may have been returned before the handle was marked.
	if c.table.Borrows(handle) == 0 {
		c.requeue(handle)
	}
}

func (c *Coordinator) requeue(handle Handle) {
	c.mu.Lock()
	_, ok := c.pending[handle]
	if ok {
		delete(c.pending, handle)
		c.queue = append(c.queue, handle)
	}
	c.mu.Unlock()
	if ok {
		c.signal()
	}
}

func (c *Coordinator) run() {
	defer close(c.stopped)
	for {
		select {
		case <-c.wake:
			c.drain()
		case reply := <-c.flush:
			c.drain()
			close(reply)
		case <-c.done:
			c.drain()
			return
		}
	}
}

func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, h := range batch {
			c.release(h)
		}
	}
}

// release reclaims handle or defers it while borrowed.
func (c *Coordinator) release(handle Handle) bool {
	for !c.reclaim(handle) {
		if c.table.Borrows(handle) > 0 {
			c.deferRelease(handle)
			return false
		}
		if _, ok := c.table.Get(handle); !ok {
			return false
		}
	}
	return true
}

// reclaim removes handle from the table, running its Dropper. A panicking
// Dropper is logged and the handle still counts as reclaimed.
func (c *Coordinator) reclaim(handle Handle) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			Logger().Error("resource drop panicked",
				zap.Uint32("handle", uint32(handle)),
				zap.String("panic", fmt.Sprint(r)))
			ok = true
		}
	}()

	_, ok = c.table.Remove(handle)
	if ok {
		Logger().Debug("resource reclaimed", zap.Uint32("handle", uint32(handle)))
	}
	return ok
}
