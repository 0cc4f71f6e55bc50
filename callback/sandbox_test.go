package callback

import (
	"context"
	"runtime"
	"testing"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/engine/sandbox"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/internal/testlib"
	"github.com/wippyai/ffi-runtime/resource"
	"github.com/wippyai/ffi-runtime/transcoder"
)

func loadSandbox(t *testing.T) (*sandbox.Library, *Manager, *transcoder.Codec) {
	t.Helper()
	ctx := context.Background()
	coord := resource.NewCoordinator()
	eng, err := sandbox.New(ctx, &sandbox.Config{Coordinator: coord})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	lib, err := eng.Load(ctx, "testlib", testlib.Library())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mgr := NewManager(lib, Config{})
	t.Cleanup(func() {
		mgr.Close()
		lib.Close(ctx)
		eng.Close(ctx)
		coord.Close()
	})
	return lib, mgr, transcoder.NewCodec(lib.Space(), transcoder.Scope{Callbacks: mgr})
}

func apply(t *testing.T, lib engine.Library, fn uint64, x int32) int32 {
	t.Helper()
	sym, err := lib.Lookup("apply")
	if err != nil {
		t.Fatal(err)
	}
	p := abi.Scalar(abi.Pointer, abi.Wasm32)
	i := abi.Scalar(abi.Sint32, abi.Wasm32)
	res, err := lib.Call(context.Background(), sym, engine.Request{
		Frame: abi.Frame{Args: []abi.Arg{{Type: p, Word: fn}, {Type: i, Word: uint64(int64(x))}}, Fixed: 2},
		Ret:   i,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	return int32(res.Word)
}

func TestSandboxCallback(t *testing.T) {
	lib, mgr, codec := loadSandbox(t)
	double := MustNew(func(x int32) int32 { return 2 * x })
	addr, err := mgr.Expose(codec, double, abi.ConventionC)
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if got := apply(t, lib, addr, 21); got != 42 {
		t.Fatalf("apply = %d, want 42", got)
	}

	// a callback that calls back into the library
	add, _ := lib.Lookup("add")
	reenter := MustNew(func(x int32) int32 {
		i := abi.Scalar(abi.Sint32, abi.Wasm32)
		res, err := lib.Call(context.Background(), add, engine.Request{
			Frame: abi.Frame{Args: []abi.Arg{{Type: i, Word: uint64(x)}, {Type: i, Word: 1}}, Fixed: 2},
			Ret:   i,
		})
		if err != nil {
			t.Errorf("nested add: %v", err)
		}
		return int32(res.Word)
	})
	addr2, err := mgr.Expose(codec, reenter, abi.ConventionC)
	if err != nil {
		t.Fatalf("Expose: %v", err)
	}
	if got := apply(t, lib, addr2, 41); got != 42 {
		t.Fatalf("apply = %d, want 42", got)
	}
	runtime.KeepAlive(double)
	runtime.KeepAlive(reenter)
}

func TestSandboxTrampolinesReused(t *testing.T) {
	lib, mgr, codec := loadSandbox(t)

	var held []*Callback
	var addrs []uint64
	for i := 0; i < 4; i++ {
		k := int32(i)
		cb := MustNew(func(x int32) int32 { return x + k })
		addr, err := mgr.Expose(codec, cb, abi.ConventionC)
		if err != nil {
			t.Fatalf("Expose %d: %v", i, err)
		}
		held = append(held, cb)
		addrs = append(addrs, addr)
	}
	extra := MustNew(func(x int32) int32 { return -x })
	if _, err := mgr.Expose(codec, extra, abi.ConventionC); !isKind(err, errors.KindAllocation) {
		t.Fatalf("fifth unary callback: err = %v", err)
	}

	mgr.Release(addrs[2])
	addr, err := mgr.Expose(codec, extra, abi.ConventionC)
	if err != nil {
		t.Fatalf("Expose after release: %v", err)
	}
	if addr != addrs[2] {
		t.Fatalf("reused trampoline %#x, want %#x", addr, addrs[2])
	}
	if got := apply(t, lib, addr, 5); got != -5 {
		t.Fatalf("apply through reused trampoline = %d, want -5", got)
	}
	if got := apply(t, lib, addrs[3], 5); got != 8 {
		t.Fatalf("apply = %d, want 8", got)
	}
	runtime.KeepAlive(held)
}
