package callback

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/wippyai/ffi-runtime/internal/thread"
)

// ThreadPolicy decides what happens to a thread's attachment once its
// outermost callback returns.
type ThreadPolicy uint8

const (
	// DetachImmediately detaches a thread when it leaves its outermost
	// callback.
	DetachImmediately ThreadPolicy = iota
	// StayAttached keeps a thread attached until the manager is closed.
	StayAttached
)

func (p ThreadPolicy) String() string {
	if p == StayAttached {
		return "stay-attached"
	}
	return "detach-immediately"
}

// ThreadInitializer prepares OS threads that enter Go through a callback.
// Attach runs once before the first dispatch on a thread; nested callbacks
// on the same thread do not attach again.
type ThreadInitializer interface {
	Attach(tid int, cb *Callback)
	Detach(tid int)
}

type threadState struct {
	depth    int
	attached bool
}

// threads tracks callback nesting per OS thread. A state is only touched by
// its own thread, which is locked for the duration of a dispatch.
type threads struct {
	init   ThreadInitializer
	policy ThreadPolicy
	states *xsync.MapOf[int, *threadState]
}

func newThreads(init ThreadInitializer, policy ThreadPolicy) *threads {
	return &threads{init: init, policy: policy, states: xsync.NewMapOf[int, *threadState]()}
}

// enter records a dispatch on the current thread and returns its exit.
func (t *threads) enter(cb *Callback) func() {
	if t.init == nil {
		return func() {}
	}
	tid := thread.ID()
	st, _ := t.states.LoadOrCompute(tid, func() *threadState { return &threadState{} })
	if !st.attached {
		t.init.Attach(tid, cb)
		st.attached = true
	}
	st.depth++
	return func() {
		st.depth--
		if st.depth == 0 && t.policy == DetachImmediately {
			st.attached = false
			t.states.Delete(tid)
			t.init.Detach(tid)
		}
	}
}

// detachAll detaches threads kept attached by StayAttached.
func (t *threads) detachAll() {
	if t.init == nil {
		return
	}
	t.states.Range(func(tid int, st *threadState) bool {
		if st.attached && st.depth == 0 {
			t.states.Delete(tid)
			t.init.Detach(tid)
		}
		return true
	})
}
