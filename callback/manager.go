package callback

import (
	"reflect"
	"runtime"
	"strconv"
	"sync"
	"weak"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/resource"
	"github.com/wippyai/ffi-runtime/transcoder"
)

var callbackType = reflect.TypeFor[*Callback]()

// ProxyFunc builds a Go function of type t that calls the native function
// at addr. It serves function pointers that were not created by a Manager.
type ProxyFunc func(codec *transcoder.Codec, addr uint64, t reflect.Type) (reflect.Value, error)

// Config configures a Manager.
type Config struct {
	// Convention is used for callbacks without their own tag.
	Convention abi.CallingConvention
	// Handler receives dispatch failures. Nil selects DefaultHandler.
	Handler Handler
	// Threads prepares threads entering Go through a callback.
	Threads ThreadInitializer
	Policy  ThreadPolicy
	// Proxy converts foreign function pointers read from native memory.
	Proxy ProxyFunc
}

// Manager exposes Go callbacks as native entry points of one library.
// It implements transcoder.Callbacks and is safe for concurrent use.
type Manager struct {
	lib     engine.Library
	coord   *resource.Coordinator
	conv    abi.CallingConvention
	handler Handler
	threads *threads
	proxy   ProxyFunc

	forward *xsync.MapOf[weak.Pointer[Callback], *record]
	reverse *xsync.MapOf[uint64, *record]
	pinned  *xsync.MapOf[uint64, *Callback]
	pools   *xsync.MapOf[poolKey, *stubPool]

	closeOnce sync.Once
}

var _ transcoder.Callbacks = (*Manager)(nil)

func NewManager(lib engine.Library, cfg Config) *Manager {
	h := cfg.Handler
	if h == nil {
		h = DefaultHandler
	}
	return &Manager{
		lib:     lib,
		coord:   lib.Space().Coordinator(),
		conv:    cfg.Convention,
		handler: h,
		threads: newThreads(cfg.Threads, cfg.Policy),
		proxy:   cfg.Proxy,
		forward: xsync.NewMapOf[weak.Pointer[Callback], *record](),
		reverse: xsync.NewMapOf[uint64, *record](),
		pinned:  xsync.NewMapOf[uint64, *Callback](),
		pools:   xsync.NewMapOf[poolKey, *stubPool](),
	}
}

// Library returns the library whose entry points the manager creates.
func (m *Manager) Library() engine.Library {
	return m.lib
}

// Expose returns the native entry point of cb, creating it on first use.
// The same Callback always yields the same address while it is reachable.
// conv applies when cb carries no convention of its own.
func (m *Manager) Expose(codec *transcoder.Codec, cb *Callback, conv abi.CallingConvention) (uint64, error) {
	if cb == nil {
		return 0, nil
	}
	key := weak.Make(cb)
	if rec, ok := m.forward.Load(key); ok && rec.current() == stateActive {
		return rec.addr(), nil
	}

	if c, ok := cb.Convention(); ok {
		conv = c
	}
	params, ret, sig, err := compile(codec, cb)
	if err != nil {
		return 0, err
	}
	rec := &record{
		mgr:    m,
		cb:     key,
		codec:  codec,
		params: params,
		ret:    ret,
		sig:    sig,
		key:    poolKey{conv: conv, shape: sig.Shape()},
	}
	s, err := m.acquire(rec.key, sig)
	if err != nil {
		return 0, err
	}
	rec.stub = s

	rec.handle = m.coord.Track(resource.TypeTrampoline, s.addr, dropper{rec})
	rec.cleanup = runtime.AddCleanup(cb, (*record).quiesce, rec)
	m.reverse.Store(s.addr, rec)
	s.slot.Bind(rec.dispatch)

	var winner *record
	m.forward.Compute(key, func(cur *record, loaded bool) (*record, bool) {
		if loaded && cur.current() == stateActive {
			winner = cur
			return cur, false
		}
		return rec, false
	})
	if winner != nil {
		rec.discard()
		return winner.addr(), nil
	}
	runtime.KeepAlive(cb)

	Logger().Debug("callback exposed",
		zap.String("callback", cb.Name()),
		zap.Uint64("addr", s.addr),
		zap.String("signature", sig.Shape()))
	return s.addr, nil
}

// ExposeFunc exposes a plain Go func for the duration of one native call.
// The caller must invoke release once native code no longer holds the
// pointer.
func (m *Manager) ExposeFunc(codec *transcoder.Codec, fn any) (addr uint64, release func(), err error) {
	return m.exposeFunc(codec, reflect.ValueOf(fn))
}

func (m *Manager) exposeFunc(codec *transcoder.Codec, fn reflect.Value) (addr uint64, release func(), err error) {
	cb, err := newCallback(fn)
	if err != nil {
		return 0, nil, err
	}
	addr, err = m.Expose(codec, cb, m.conv)
	if err != nil {
		return 0, nil, err
	}
	return addr, func() {
		m.Release(addr)
		runtime.KeepAlive(cb)
	}, nil
}

func (m *Manager) pool(key poolKey) *stubPool {
	p, _ := m.pools.LoadOrCompute(key, func() *stubPool { return &stubPool{} })
	return p
}

func (m *Manager) acquire(key poolKey, sig abi.Signature) (*stub, error) {
	if s := m.pool(key).get(); s != nil {
		return s, nil
	}
	slot := engine.NewSlot(sig)
	addr, err := m.lib.NewStub(key.conv, sig, slot)
	if err != nil {
		return nil, err
	}
	return &stub{addr: addr, slot: slot}, nil
}

// Resolve returns the callback served by the entry point at addr.
func (m *Manager) Resolve(addr uint64) (*Callback, bool) {
	rec, ok := m.reverse.Load(addr)
	if !ok || rec.current() != stateActive {
		return nil, false
	}
	cb := rec.cb.Value()
	return cb, cb != nil
}

// Release detaches the callback at addr from its entry point right away.
// A dispatch in flight completes first. It reports whether addr was an
// active entry point.
func (m *Manager) Release(addr uint64) bool {
	rec, ok := m.reverse.Load(addr)
	if !ok || !rec.discard() {
		return false
	}
	m.pinned.Delete(addr)
	return true
}

// Active returns the number of entry points currently bound to callbacks.
func (m *Manager) Active() int {
	n := 0
	m.reverse.Range(func(_ uint64, rec *record) bool {
		if rec.current() == stateActive {
			n++
		}
		return true
	})
	return n
}

// Pooled returns the number of released entry points waiting for reuse.
func (m *Manager) Pooled() int {
	n := 0
	m.pools.Range(func(_ poolKey, p *stubPool) bool {
		n += p.len()
		return true
	})
	return n
}

// ToNative implements transcoder.Callbacks. A plain func is pinned until
// Release is called with its address; use a Scope to tie it to a call.
func (m *Manager) ToNative(c *transcoder.Codec, fn reflect.Value) (uint64, error) {
	if fn.Type() == callbackType {
		return m.Expose(c, fn.Interface().(*Callback), m.conv)
	}
	if fn.Kind() != reflect.Func {
		return 0, errors.New(errors.PhaseEncode, errors.KindUnsupported).
			GoType(fn.Type().String()).
			Detail("not a callback").
			Build()
	}
	cb, err := newCallback(fn)
	if err != nil {
		return 0, err
	}
	addr, err := m.Expose(c, cb, m.conv)
	if err != nil {
		return 0, err
	}
	m.pinned.Store(addr, cb)
	return addr, nil
}

// FromNative implements transcoder.Callbacks. Entry points created by the
// manager resolve to their callback; other addresses go to the proxy.
func (m *Manager) FromNative(c *transcoder.Codec, addr uint64, t reflect.Type) (reflect.Value, error) {
	if cb, ok := m.Resolve(addr); ok {
		switch {
		case t == callbackType:
			return reflect.ValueOf(cb), nil
		case t == cb.FuncType():
			return cb.fn, nil
		}
		return reflect.Value{}, errors.New(errors.PhaseDecode, errors.KindTypeMismatch).
			GoType(t.String()).
			NativeType(cb.FuncType().String()).
			Detail("function pointer %#x belongs to %s", addr, cb).
			Build()
	}
	if t.Kind() == reflect.Func && m.proxy != nil {
		return m.proxy(c, addr, t)
	}
	return reflect.Value{}, errors.NotFound(errors.PhaseDecode, "callback", "0x"+strconv.FormatUint(addr, 16))
}

// Close releases every entry point and detaches threads kept attached.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.reverse.Range(func(addr uint64, _ *record) bool {
			m.Release(addr)
			return true
		})
		m.threads.detachAll()
	})
}

// Scope ties plain funcs converted during one call to that call. It
// implements transcoder.Callbacks.
type Scope struct {
	m        *Manager
	releases []func()
	mu       sync.Mutex
}

var _ transcoder.Callbacks = (*Scope)(nil)

// Scope starts a call scope.
func (m *Manager) Scope() *Scope {
	return &Scope{m: m}
}

func (s *Scope) ToNative(c *transcoder.Codec, fn reflect.Value) (uint64, error) {
	if fn.Type() == callbackType {
		return s.m.Expose(c, fn.Interface().(*Callback), s.m.conv)
	}
	addr, release, err := s.m.exposeFunc(c, fn)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.releases = append(s.releases, release)
	s.mu.Unlock()
	return addr, nil
}

func (s *Scope) FromNative(c *transcoder.Codec, addr uint64, t reflect.Type) (reflect.Value, error) {
	return s.m.FromNative(c, addr, t)
}

// Close releases the entry points of plain funcs created in the scope.
func (s *Scope) Close() {
	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()
	for _, release := range releases {
		release()
	}
}
