package runtime

import "sync"

// monitor is a mutual exclusion lock owned by an OS thread. The owner may
// lock it again; it is released when every lock has been undone.
type monitor struct {
	mu    sync.Mutex
	free  *sync.Cond
	owner int
	depth int
}

func newMonitor() *monitor {
	m := &monitor{}
	m.free = sync.NewCond(&m.mu)
	return m
}

// lock acquires the monitor for thread tid. The caller keeps its goroutine
// locked to that thread until unlock. A zero tid names no thread and never
// re-enters.
func (m *monitor) lock(tid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth > 0 && tid != 0 && m.owner == tid {
		m.depth++
		return
	}
	for m.depth > 0 {
		m.free.Wait()
	}
	m.owner, m.depth = tid, 1
}

func (m *monitor) unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 {
		panic("runtime: unlock of unlocked monitor")
	}
	m.depth--
	if m.depth == 0 {
		m.free.Signal()
	}
}
