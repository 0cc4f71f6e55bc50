package callback

import (
	"context"
	goerrors "errors"
	"reflect"
	"runtime"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/internal/testlib"
	"github.com/wippyai/ffi-runtime/memory"
	"github.com/wippyai/ffi-runtime/resource"
	"github.com/wippyai/ffi-runtime/transcoder"
)

const stubBase = 0x7f000000

// fakeLibrary hands out entry points that tests invoke directly.
type fakeLibrary struct {
	space *memory.Space
	slots map[uint64]*engine.Slot
	limit int
	mu    sync.Mutex
}

func (l *fakeLibrary) Name() string { return "fake" }

func (l *fakeLibrary) Space() *memory.Space { return l.space }

func (l *fakeLibrary) Close(context.Context) error { return nil }

func (l *fakeLibrary) Lookup(symbol string) (uint64, error) {
	return 0, errors.Unresolved(symbol, nil)
}

func (l *fakeLibrary) Call(context.Context, uint64, engine.Request) (abi.Result, error) {
	return abi.Result{}, errors.Unsupported(errors.PhaseInvoke, "calls on the fake library")
}

func (l *fakeLibrary) NewStub(_ abi.CallingConvention, _ abi.Signature, slot *engine.Slot) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.limit > 0 && len(l.slots) >= l.limit {
		return 0, errors.New(errors.PhaseCallback, errors.KindAllocation).Detail("no free entry points").Build()
	}
	addr := uint64(stubBase + 16*len(l.slots))
	l.slots[addr] = slot
	return addr, nil
}

func (l *fakeLibrary) invoke(t *testing.T, addr uint64, args ...abi.Arg) abi.Result {
	t.Helper()
	l.mu.Lock()
	slot, ok := l.slots[addr]
	l.mu.Unlock()
	if !ok {
		t.Fatalf("no entry point at %#x", addr)
	}
	return slot.Invoke(args)
}

func (l *fakeLibrary) stubs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

type fixture struct {
	lib   *fakeLibrary
	mgr   *Manager
	codec *transcoder.Codec
	coord *resource.Coordinator
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mem := testlib.NewSliceMemory(1 << 16)
	coord := resource.NewCoordinator()
	lib := &fakeLibrary{
		space: memory.NewSpace(mem, mem, abi.LinuxAMD64, coord),
		slots: make(map[uint64]*engine.Slot),
	}
	mgr := NewManager(lib, cfg)
	t.Cleanup(func() {
		mgr.Close()
		coord.Close()
	})
	return &fixture{
		lib:   lib,
		mgr:   mgr,
		codec: transcoder.NewCodec(lib.space, transcoder.Scope{Callbacks: mgr}),
		coord: coord,
	}
}

func (f *fixture) expose(t *testing.T, cb *Callback) uint64 {
	t.Helper()
	addr, err := f.mgr.Expose(f.codec, cb, abi.ConventionC)
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	return addr
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.coord.Flush(ctx); err != nil {
		t.Fatal(err)
	}
}

var (
	i32 = abi.Scalar(abi.Sint32, abi.LinuxAMD64)
	ptr = abi.Scalar(abi.Pointer, abi.LinuxAMD64)
)

func int32Arg(v int32) abi.Arg {
	return abi.Arg{Type: i32, Word: uint64(int64(v))}
}

type point struct {
	X, Y int32
}

func isKind(err error, kind errors.Kind) bool {
	var e *errors.Error
	return goerrors.As(err, &e) && e.Kind == kind
}

type recordingHandler struct {
	errs []error
	mu   sync.Mutex
}

func (h *recordingHandler) HandleCallbackError(_ *Callback, err error) {
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

func (h *recordingHandler) last() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.errs) == 0 {
		return nil
	}
	return h.errs[len(h.errs)-1]
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name string
		fn   any
		kind errors.Kind
	}{
		{"nil", nil, errors.KindInvalidInput},
		{"not a func", 42, errors.KindInvalidInput},
		{"variadic", func(...int32) {}, errors.KindUnsupported},
		{"two values", func() (int32, int32) { return 0, 0 }, errors.KindUnsupported},
		{"second not error", func() (int32, string) { return 0, "" }, errors.KindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.fn); !isKind(err, tt.kind) {
				t.Fatalf("New: err = %v, want %s", err, tt.kind)
			}
		})
	}

	cb := MustNew(func(int32) error { return nil }, WithName("check"), WithConvention(abi.ConventionAlt))
	if cb.Name() != "check" {
		t.Fatalf("Name = %q", cb.Name())
	}
	if conv, ok := cb.Convention(); !ok || conv != abi.ConventionAlt {
		t.Fatalf("Convention = %v, %v", conv, ok)
	}
	if cb.result() != -1 {
		t.Fatal("error-only callback should have no native result")
	}
}

func TestDispatchScalars(t *testing.T) {
	f := newFixture(t, Config{})
	cb := MustNew(func(a, b int32) int32 { return a - b })
	addr := f.expose(t, cb)

	res := f.lib.invoke(t, addr, int32Arg(2), int32Arg(5))
	if int32(res.Word) != -3 {
		t.Fatalf("result = %d, want -3", int32(res.Word))
	}
	runtime.KeepAlive(cb)
}

func TestExposeIdentity(t *testing.T) {
	f := newFixture(t, Config{})
	cb := MustNew(func(x int32) int32 { return x })

	a := f.expose(t, cb)
	b := f.expose(t, cb)
	if a != b {
		t.Fatalf("same callback exposed at %#x and %#x", a, b)
	}
	if f.lib.stubs() != 1 {
		t.Fatalf("created %d entry points, want 1", f.lib.stubs())
	}

	got, ok := f.mgr.Resolve(a)
	if !ok || got != cb {
		t.Fatalf("Resolve = %v, %v", got, ok)
	}
	if _, ok := f.mgr.Resolve(a + 1); ok {
		t.Fatal("Resolve of unknown address succeeded")
	}

	v, err := f.mgr.FromNative(f.codec, a, callbackType)
	if err != nil || v.Interface() != cb {
		t.Fatalf("FromNative(*Callback) = %v, %v", v, err)
	}
	v, err = f.mgr.FromNative(f.codec, a, cb.FuncType())
	if err != nil || v.Type() != cb.FuncType() {
		t.Fatalf("FromNative(func) = %v, %v", v, err)
	}
	if _, err := f.mgr.FromNative(f.codec, a, reflect.TypeFor[func(int64) int64]()); !isKind(err, errors.KindTypeMismatch) {
		t.Fatalf("FromNative with another type: err = %v", err)
	}
	if _, err := f.mgr.FromNative(f.codec, 0x10, cb.FuncType()); !isKind(err, errors.KindNotFound) {
		t.Fatalf("FromNative of unknown address: err = %v", err)
	}
}

func TestReleaseReusesEntryPoint(t *testing.T) {
	f := newFixture(t, Config{})
	first := MustNew(func(x int32) int32 { return x + 1 })
	addr := f.expose(t, first)

	if !f.mgr.Release(addr) {
		t.Fatal("Release failed")
	}
	if f.mgr.Release(addr) {
		t.Fatal("second Release succeeded")
	}
	if f.mgr.Active() != 0 || f.mgr.Pooled() != 1 {
		t.Fatalf("active=%d pooled=%d after release", f.mgr.Active(), f.mgr.Pooled())
	}
	if res := f.lib.invoke(t, addr, int32Arg(1)); res.Word != 0 {
		t.Fatalf("released entry point returned %d", res.Word)
	}

	second := MustNew(func(x int32) int32 { return x * 10 })
	if got := f.expose(t, second); got != addr {
		t.Fatalf("same shape exposed at %#x, want reused %#x", got, addr)
	}
	if res := f.lib.invoke(t, addr, int32Arg(4)); res.Word != 40 {
		t.Fatalf("rebound entry point returned %d, want 40", res.Word)
	}

	other := MustNew(func(x int64) int64 { return x })
	if got := f.expose(t, other); got == addr {
		t.Fatal("different shape reused an entry point")
	}

	// exposing the released callback again gives it a fresh entry point
	again := f.expose(t, first)
	if got, _ := f.mgr.Resolve(again); got != first {
		t.Fatal("re-exposed callback does not resolve")
	}
	runtime.KeepAlive(second)
	runtime.KeepAlive(other)
}

func TestCollectedCallbackReleased(t *testing.T) {
	f := newFixture(t, Config{})
	var addr uint64
	func() {
		addr = f.expose(t, MustNew(func(x int32) int32 { return x }))
	}()

	deadline := time.Now().Add(5 * time.Second)
	for f.mgr.Pooled() == 0 && time.Now().Before(deadline) {
		runtime.GC()
		f.flush(t)
	}
	if f.mgr.Pooled() != 1 {
		t.Fatal("entry point of an unreachable callback was not released")
	}
	if _, ok := f.mgr.Resolve(addr); ok {
		t.Fatal("released entry point still resolves")
	}
}

func TestReleaseDuringDispatch(t *testing.T) {
	f := newFixture(t, Config{})
	var addr uint64
	cb := MustNew(func(x int32) int32 {
		if !f.mgr.Release(addr) {
			t.Error("Release inside the callback failed")
		}
		if f.mgr.Pooled() != 0 {
			t.Error("entry point released while its dispatch is running")
		}
		return x
	})
	addr = f.expose(t, cb)

	if res := f.lib.invoke(t, addr, int32Arg(9)); res.Word != 9 {
		t.Fatalf("result = %d, want 9", res.Word)
	}
	f.flush(t)
	if f.mgr.Pooled() != 1 {
		t.Fatal("entry point not released after the dispatch returned")
	}
	runtime.KeepAlive(cb)
}

func TestFailuresGoToHandler(t *testing.T) {
	h := &recordingHandler{}
	f := newFixture(t, Config{Handler: h})

	failing := MustNew(func(x int32) (int32, error) {
		return x, goerrors.New("refused")
	})
	res := f.lib.invoke(t, f.expose(t, failing), int32Arg(3))
	if res.Word != 0 {
		t.Fatalf("failed callback returned %d, want 0", res.Word)
	}
	if err := h.last(); !isKind(err, errors.KindNative) || goerrors.Unwrap(err).Error() != "refused" {
		t.Fatalf("handler got %v", err)
	}

	panicking := MustNew(func(int32) int32 { panic("boom") })
	if res := f.lib.invoke(t, f.expose(t, panicking), int32Arg(3)); res.Word != 0 {
		t.Fatalf("panicking callback returned %d, want 0", res.Word)
	}
	err := h.last()
	if !isKind(err, errors.KindPanic) {
		t.Fatalf("handler got %v", err)
	}
	if e := err.(*errors.Error); e.Phase != errors.PhaseCallback {
		t.Fatalf("phase = %s", e.Phase)
	}
	runtime.KeepAlive(failing)
	runtime.KeepAlive(panicking)
}

func TestDefaultHandlerLogs(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	f := newFixture(t, Config{})
	cb := MustNew(func() error { return goerrors.New("disk full") }, WithName("flush"))
	f.lib.invoke(t, f.expose(t, cb))

	entries := logs.FilterMessage("callback failed").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d failures, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["callback"]; got != "flush" {
		t.Fatalf("logged callback = %v", got)
	}
	runtime.KeepAlive(cb)
}

func TestStructArguments(t *testing.T) {
	f := newFixture(t, Config{})
	space := f.lib.space

	byValue := MustNew(func(p point) int32 { return p.X * p.Y })
	raw := []byte{3, 0, 0, 0, 4, 0, 0, 0}
	pointABI := abi.Type{Kind: abi.Struct, Size: 8, Align: 4}
	res := f.lib.invoke(t, f.expose(t, byValue), abi.Arg{Type: pointABI, Bytes: raw})
	if res.Word != 12 {
		t.Fatalf("by value = %d, want 12", res.Word)
	}

	byRef := MustNew(func(p *point) {
		p.X, p.Y = p.Y, p.X
	})
	blk, err := space.Allocate(8)
	if err != nil {
		t.Fatal(err)
	}
	defer blk.Close()
	blk.Pointer().SetInt32(0, 1)
	blk.Pointer().SetInt32(4, 2)
	f.lib.invoke(t, f.expose(t, byRef), abi.Arg{Type: ptr, Word: blk.Address()})
	x, _ := blk.Pointer().Int32(0)
	y, _ := blk.Pointer().Int32(4)
	if x != 2 || y != 1 {
		t.Fatalf("written back (%d, %d), want (2, 1)", x, y)
	}

	returns := MustNew(func(x int32) point { return point{X: x, Y: -x} })
	res = f.lib.invoke(t, f.expose(t, returns), int32Arg(7))
	if len(res.Bytes) != 8 || res.Bytes[0] != 7 || int8(res.Bytes[4]) != -7 {
		t.Fatalf("struct result = %v", res.Bytes)
	}

	runtime.KeepAlive(byValue)
	runtime.KeepAlive(byRef)
	runtime.KeepAlive(returns)
}

func TestStringResultRetained(t *testing.T) {
	f := newFixture(t, Config{})
	cb := MustNew(func(n int32) string {
		if n == 1 {
			return "one"
		}
		return "many"
	})
	addr := f.expose(t, cb)

	res := f.lib.invoke(t, addr, int32Arg(1))
	s, err := f.lib.space.At(res.Word).GetString(0, nil)
	if err != nil || s != "one" {
		t.Fatalf("string result = %q, %v", s, err)
	}
	res = f.lib.invoke(t, addr, int32Arg(2))
	if s, _ := f.lib.space.At(res.Word).GetString(0, nil); s != "many" {
		t.Fatalf("string result = %q", s)
	}
	runtime.KeepAlive(cb)
}

func TestCallbackArgument(t *testing.T) {
	f := newFixture(t, Config{})
	inner := MustNew(func(x int32) int32 { return x + 100 })
	innerAddr := f.expose(t, inner)

	outer := MustNew(func(fn func(int32) int32, x int32) int32 {
		return fn(x)
	})
	res := f.lib.invoke(t, f.expose(t, outer), abi.Arg{Type: ptr, Word: innerAddr}, int32Arg(1))
	if res.Word != 101 {
		t.Fatalf("result = %d, want 101", res.Word)
	}
	runtime.KeepAlive(inner)
	runtime.KeepAlive(outer)
}

type threadLog struct {
	attached []int
	detached []int
	mu       sync.Mutex
}

func (l *threadLog) Attach(tid int, _ *Callback) {
	l.mu.Lock()
	l.attached = append(l.attached, tid)
	l.mu.Unlock()
}

func (l *threadLog) Detach(tid int) {
	l.mu.Lock()
	l.detached = append(l.detached, tid)
	l.mu.Unlock()
}

func (l *threadLog) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attached), len(l.detached)
}

func TestThreadInitializer(t *testing.T) {
	tests := []struct {
		policy  ThreadPolicy
		detached int
	}{
		{DetachImmediately, 1},
		{StayAttached, 0},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			threads := &threadLog{}
			f := newFixture(t, Config{Threads: threads, Policy: tt.policy})

			inner := MustNew(func(x int32) int32 { return x })
			innerAddr := f.expose(t, inner)
			outer := MustNew(func(x int32) int32 {
				return int32(f.lib.invoke(t, innerAddr, int32Arg(x)).Word) + 1
			})
			if res := f.lib.invoke(t, f.expose(t, outer), int32Arg(1)); res.Word != 2 {
				t.Fatalf("nested result = %d, want 2", res.Word)
			}

			attached, detached := threads.counts()
			if attached != 1 || detached != tt.detached {
				t.Fatalf("attached=%d detached=%d, want 1 and %d", attached, detached, tt.detached)
			}
			f.mgr.Close()
			if _, detached := threads.counts(); detached != 1 {
				t.Fatalf("detached=%d after Close, want 1", detached)
			}
			runtime.KeepAlive(inner)
			runtime.KeepAlive(outer)
		})
	}
}

func TestScopeReleasesPlainFuncs(t *testing.T) {
	f := newFixture(t, Config{})
	scope := f.mgr.Scope()
	codec := f.codec.WithScope(transcoder.Scope{Callbacks: scope})

	fn := func(x int32) int32 { return -x }
	addr, err := scope.ToNative(codec, reflect.ValueOf(fn))
	if err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	if res := f.lib.invoke(t, addr, int32Arg(5)); int32(res.Word) != -5 {
		t.Fatalf("result = %d, want -5", int32(res.Word))
	}
	scope.Close()
	if f.mgr.Active() != 0 || f.mgr.Pooled() != 1 {
		t.Fatalf("active=%d pooled=%d after scope close", f.mgr.Active(), f.mgr.Pooled())
	}

	// outside a scope plain funcs stay until released
	pinned, err := f.mgr.ToNative(f.codec, reflect.ValueOf(fn))
	if err != nil {
		t.Fatalf("ToNative: %v", err)
	}
	runtime.GC()
	f.flush(t)
	if _, ok := f.mgr.Resolve(pinned); !ok {
		t.Fatal("pinned func was released")
	}
	if !f.mgr.Release(pinned) {
		t.Fatal("Release of pinned func failed")
	}
}

func TestStubAllocationFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.lib.limit = 1
	a := MustNew(func(x int32) int32 { return x })
	b := MustNew(func(x int32) int32 { return x })
	f.expose(t, a)
	if _, err := f.mgr.Expose(f.codec, b, abi.ConventionC); !isKind(err, errors.KindAllocation) {
		t.Fatalf("Expose beyond limit: err = %v", err)
	}
	runtime.KeepAlive(a)
}

func TestUnsupportedSignature(t *testing.T) {
	f := newFixture(t, Config{})
	cb := MustNew(func([]int32) {})
	if _, err := f.mgr.Expose(f.codec, cb, abi.ConventionC); !isKind(err, errors.KindUnsupported) {
		t.Fatalf("slice parameter: err = %v", err)
	}
}
