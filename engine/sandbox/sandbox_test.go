package sandbox

import (
	"context"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/charset"
	"github.com/wippyai/ffi-runtime/engine"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/internal/testlib"
	"github.com/wippyai/ffi-runtime/resource"
)

var (
	i32  = abi.Scalar(abi.Sint32, abi.Wasm32)
	i64  = abi.Scalar(abi.Sint64, abi.Wasm32)
	f32  = abi.Scalar(abi.Float32, abi.Wasm32)
	f64  = abi.Scalar(abi.Float64, abi.Wasm32)
	ptr  = abi.Scalar(abi.Pointer, abi.Wasm32)
	void = abi.Scalar(abi.Void, abi.Wasm32)

	pointType = abi.Type{
		Kind: abi.Struct, Size: 8, Align: 4,
		Members: []abi.Member{{Offset: 0, Kind: abi.Sint32, Size: 4}, {Offset: 4, Kind: abi.Sint32, Size: 4}},
	}
	wrappedInt = abi.Type{
		Kind: abi.Struct, Size: 4, Align: 4,
		Members: []abi.Member{{Offset: 0, Kind: abi.Sint32, Size: 4}},
	}
)

func loadLibrary(t *testing.T) *Library {
	t.Helper()
	ctx := context.Background()
	coord := resource.NewCoordinator()
	eng, err := New(ctx, &Config{Coordinator: coord})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	lib, err := eng.Load(ctx, "testlib", testlib.Library())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Cleanup(func() {
		lib.Close(ctx)
		eng.Close(ctx)
		coord.Close()
	})
	return lib
}

func arg(t abi.Type, w uint64) abi.Arg {
	return abi.Arg{Type: t, Word: w}
}

func int32Arg(v int32) abi.Arg {
	return arg(i32, uint64(int64(v)))
}

func callFrame(args ...abi.Arg) abi.Frame {
	return abi.Frame{Args: args, Fixed: len(args)}
}

func call(t *testing.T, lib *Library, symbol string, ret abi.Type, f abi.Frame) abi.Result {
	t.Helper()
	fn, err := lib.Lookup(symbol)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", symbol, err)
	}
	res, err := lib.Call(context.Background(), fn, engine.Request{Frame: f, Ret: ret})
	if err != nil {
		t.Fatalf("Call(%s): %v", symbol, err)
	}
	return res
}

func pointBytes(x, y int32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, uint32(x))
	binary.LittleEndian.PutUint32(b[4:], uint32(y))
	return b
}

func isKind(err error, kind errors.Kind) bool {
	e, ok := err.(*errors.Error)
	return ok && e.Kind == kind
}

func TestScalarCalls(t *testing.T) {
	lib := loadLibrary(t)

	tests := []struct {
		name   string
		symbol string
		ret    abi.Type
		args   []abi.Arg
		want   uint64
	}{
		{"add", "add", i32, []abi.Arg{int32Arg(2), int32Arg(3)}, 5},
		{"negative i32 is sign extended", "identity_i32", i32, []abi.Arg{int32Arg(-7)}, uint64(math.MaxUint64 - 6)},
		{"i32 min", "identity_i32", i32, []abi.Arg{int32Arg(math.MinInt32)}, uint64(int64(math.MinInt32))},
		{"i64 max", "identity_i64", i64, []abi.Arg{arg(i64, math.MaxInt64)}, math.MaxInt64},
		{"i64 min", "identity_i64", i64, []abi.Arg{arg(i64, 1 << 63)}, 1 << 63},
		{"f32", "identity_f32", f32, []abi.Arg{abi.Float32Arg(-1.5)}, uint64(math.Float32bits(-1.5))},
		{"f64", "identity_f64", f64, []abi.Arg{abi.Float64Arg(math.MaxFloat64)}, math.Float64bits(math.MaxFloat64)},
		{"mixed", "mix", f64, []abi.Arg{int32Arg(1), arg(i64, 2), abi.Float32Arg(0.5), abi.Float64Arg(0.25)}, math.Float64bits(3.75)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, lib, tt.symbol, tt.ret, callFrame(tt.args...))
			if res.Word != tt.want {
				t.Fatalf("Word = %#x, want %#x", res.Word, tt.want)
			}
		})
	}
}

func TestLibraryMemory(t *testing.T) {
	lib := loadLibrary(t)
	space := lib.Space()

	blk, err := space.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer blk.Close()
	if blk.Address() < testlib.HeapBase || blk.Address()%16 != 0 {
		t.Fatalf("block address %#x not from malloc", blk.Address())
	}
	if err := blk.Pointer().SetString(0, "hello", charset.UTF8); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	res := call(t, lib, "strlen", i32, callFrame(arg(ptr, blk.Address())))
	if res.Word != 5 {
		t.Fatalf("strlen = %d, want 5", res.Word)
	}

	res = call(t, lib, "greeting", ptr, callFrame())
	got, err := space.At(res.Word).GetString(0, charset.UTF8)
	if err != nil {
		t.Fatalf("GetString: %v", err)
	}
	if got != testlib.Greeting {
		t.Fatalf("greeting = %q", got)
	}

	if _, err := space.AllocateAligned(8, 32); !isKind(err, errors.KindAllocation) {
		t.Fatalf("over-aligned allocation: err = %v", err)
	}
}

func TestStructByValue(t *testing.T) {
	lib := loadLibrary(t)

	res := call(t, lib, "sum_point", i32, callFrame(abi.Arg{Type: pointType, Bytes: pointBytes(40, 2)}))
	if res.Word != 42 {
		t.Fatalf("sum_point = %d, want 42", res.Word)
	}

	res = call(t, lib, "make_point", pointType, callFrame(int32Arg(-1), int32Arg(9)))
	if string(res.Bytes) != string(pointBytes(-1, 9)) {
		t.Fatalf("make_point bytes = %v", res.Bytes)
	}

	// a structure wrapping one scalar travels as that scalar
	res = call(t, lib, "identity_i32", wrappedInt, callFrame(abi.Arg{Type: wrappedInt, Bytes: []byte{7, 0, 0, 0}}))
	if string(res.Bytes) != string([]byte{7, 0, 0, 0}) {
		t.Fatalf("wrapped int bytes = %v", res.Bytes)
	}
}

func TestStructByReference(t *testing.T) {
	lib := loadLibrary(t)
	blk, err := lib.Space().Allocate(8)
	if err != nil {
		t.Fatal(err)
	}
	defer blk.Close()
	p := blk.Pointer()
	p.SetInt32(0, 3)
	p.SetInt32(4, 5)

	call(t, lib, "scale_point", void, callFrame(arg(ptr, blk.Address()), int32Arg(10)))
	x, _ := p.Int32(0)
	y, _ := p.Int32(4)
	if x != 30 || y != 50 {
		t.Fatalf("point = (%d, %d), want (30, 50)", x, y)
	}
}

func TestVariadic(t *testing.T) {
	lib := loadLibrary(t)
	space := lib.Space()

	format := func(s string) abi.Arg {
		blk, err := space.Allocate(uint64(len(s) + 1))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { blk.Close() })
		blk.Pointer().SetString(0, s, charset.UTF8)
		return arg(ptr, blk.Address())
	}
	variadic := func(args ...abi.Arg) abi.Frame {
		return abi.Frame{Args: args, Fixed: 1}
	}

	tests := []struct {
		name string
		f    abi.Frame
		want float64
	}{
		{"doubles", variadic(format("ff"), abi.Float64Arg(1), abi.Float64Arg(2), arg(ptr, 0)), 3},
		{"ints", variadic(format("dd"), int32Arg(1), int32Arg(2), arg(ptr, 0)), 3},
		{"int then double", variadic(format("df"), int32Arg(4), abi.Float64Arg(2.5), arg(ptr, 0)), 6.5},
		{"missing terminator", variadic(format("d"), int32Arg(4), arg(ptr, 0x10)), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, lib, "sum", f64, tt.f)
			if got := math.Float64frombits(res.Word); got != tt.want {
				t.Fatalf("sum = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrno(t *testing.T) {
	lib := loadLibrary(t)
	if lib.Errno() != testlib.ErrnoAddr {
		t.Fatalf("errno address = %#x", lib.Errno())
	}
	ctx := context.Background()
	setErrno, _ := lib.Lookup("set_errno")
	add, _ := lib.Lookup("add")

	res, err := lib.Call(ctx, setErrno, engine.Request{Frame: callFrame(int32Arg(34)), Ret: void, ClearErrno: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Errno != 34 {
		t.Fatalf("Errno = %d, want 34", res.Errno)
	}

	res, _ = lib.Call(ctx, add, engine.Request{Frame: callFrame(int32Arg(1), int32Arg(1)), Ret: i32})
	if res.Errno != 34 {
		t.Fatalf("Errno without clearing = %d, want 34", res.Errno)
	}
	res, _ = lib.Call(ctx, add, engine.Request{Frame: callFrame(int32Arg(1), int32Arg(1)), Ret: i32, ClearErrno: true})
	if res.Errno != 0 {
		t.Fatalf("Errno after clearing = %d, want 0", res.Errno)
	}
}

func TestFunctionPointer(t *testing.T) {
	lib := loadLibrary(t)
	ctx := context.Background()

	res := call(t, lib, "get_adder", ptr, callFrame())
	if res.Word != testlib.AdderPointer {
		t.Fatalf("get_adder = %d", res.Word)
	}
	res, err := lib.Call(ctx, res.Word, engine.Request{Frame: callFrame(int32Arg(20), int32Arg(22)), Ret: i32})
	if err != nil {
		t.Fatalf("Call through pointer: %v", err)
	}
	if res.Word != 42 {
		t.Fatalf("adder = %d, want 42", res.Word)
	}

	_, err = lib.Call(ctx, testlib.AdderPointer, engine.Request{Frame: callFrame(abi.Float64Arg(1)), Ret: i32})
	if !isKind(err, errors.KindNotFound) {
		t.Fatalf("wrong signature: err = %v", err)
	}
	_, err = lib.Call(ctx, 0, engine.Request{Ret: void})
	if !isKind(err, errors.KindNilPointer) {
		t.Fatalf("NULL function: err = %v", err)
	}

	add, _ := lib.Lookup("add")
	_, err = lib.Call(ctx, add, engine.Request{Frame: callFrame(int32Arg(1)), Ret: i32})
	if !isKind(err, errors.KindTypeMismatch) {
		t.Fatalf("wrong argument count: err = %v", err)
	}
}

func TestLookupMissing(t *testing.T) {
	lib := loadLibrary(t)
	_, err := lib.Lookup("no_such_function")
	if !isKind(err, errors.KindUnresolved) {
		t.Fatalf("err = %v", err)
	}
	if e := err.(*errors.Error); e.Symbol != "no_such_function" {
		t.Fatalf("Symbol = %q", e.Symbol)
	}
}

func TestCallback(t *testing.T) {
	lib := loadLibrary(t)
	ctx := context.Background()
	add, _ := lib.Lookup("add")

	unary := abi.Signature{Params: []abi.Type{i32}, Ret: i32}
	slot := engine.NewSlot(unary)
	stub, err := lib.NewStub(abi.ConventionC, unary, slot)
	if err != nil {
		t.Fatalf("NewStub: %v", err)
	}
	slot.Bind(func(args []abi.Arg) abi.Result {
		// re-enter the library while native code waits
		res, err := lib.Call(ctx, add, engine.Request{Frame: callFrame(args[0], args[0]), Ret: i32})
		if err != nil {
			t.Errorf("nested Call: %v", err)
		}
		return res
	})

	res := call(t, lib, "apply", i32, callFrame(arg(ptr, stub), int32Arg(21)))
	if res.Word != 42 {
		t.Fatalf("apply = %d, want 42", res.Word)
	}

	binop := abi.Signature{Params: []abi.Type{i32, i32}, Ret: i32}
	slot2 := engine.NewSlot(binop)
	stub2, err := lib.NewStub(abi.ConventionC, binop, slot2)
	if err != nil {
		t.Fatalf("NewStub: %v", err)
	}
	slot2.Bind(func(args []abi.Arg) abi.Result {
		a, b := int32(args[0].Word), int32(args[1].Word)
		return abi.Result{Word: uint64(int64(a - b))}
	})
	res = call(t, lib, "apply2", i32, callFrame(arg(ptr, stub2), int32Arg(2), int32Arg(5)))
	if int32(res.Word) != -3 {
		t.Fatalf("apply2 = %d, want -3", int32(res.Word))
	}

	slot.Unbind()
	res = call(t, lib, "apply", i32, callFrame(arg(ptr, stub), int32Arg(21)))
	if res.Word != 0 {
		t.Fatalf("unbound trampoline returned %d", res.Word)
	}
}

func TestStubsExhausted(t *testing.T) {
	lib := loadLibrary(t)
	unary := abi.Signature{Params: []abi.Type{i32}, Ret: i32}

	seen := make(map[uint64]bool)
	for i := 0; i < 4; i++ {
		stub, err := lib.NewStub(abi.ConventionC, unary, engine.NewSlot(unary))
		if err != nil {
			t.Fatalf("NewStub %d: %v", i, err)
		}
		if seen[stub] {
			t.Fatalf("stub %#x handed out twice", stub)
		}
		seen[stub] = true
	}
	_, err := lib.NewStub(abi.ConventionC, unary, engine.NewSlot(unary))
	if !isKind(err, errors.KindAllocation) {
		t.Fatalf("fifth stub: err = %v", err)
	}

	nullary := abi.Signature{Ret: f64}
	if _, err := lib.NewStub(abi.ConventionC, nullary, engine.NewSlot(nullary)); !isKind(err, errors.KindAllocation) {
		t.Fatalf("unmatched shape: err = %v", err)
	}
}

func TestBlockFreedThroughLibrary(t *testing.T) {
	lib := loadLibrary(t)
	freed := func() uint64 {
		return call(t, lib, "freed_count", i32, callFrame()).Word
	}

	before := freed()
	blk, err := lib.Space().Allocate(32)
	if err != nil {
		t.Fatal(err)
	}
	blk.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := lib.Space().Coordinator().Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if got := freed(); got != before+1 {
		t.Fatalf("freed_count = %d, want %d", got, before+1)
	}
}

func TestTrap(t *testing.T) {
	lib := loadLibrary(t)
	fn, _ := lib.Lookup("strlen")
	_, err := lib.Call(context.Background(), fn, engine.Request{Frame: callFrame(arg(ptr, 0x7fffffff)), Ret: i32})
	if !isKind(err, errors.KindPanic) {
		t.Fatalf("err = %v", err)
	}

	// the library stays usable
	if res := call(t, lib, "add", i32, callFrame(int32Arg(1), int32Arg(2))); res.Word != 3 {
		t.Fatalf("add after trap = %d", res.Word)
	}
}

func TestClosedLibrary(t *testing.T) {
	lib := loadLibrary(t)
	fn, _ := lib.Lookup("add")
	if err := lib.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := lib.Call(context.Background(), fn, engine.Request{Frame: callFrame(int32Arg(1), int32Arg(2)), Ret: i32})
	if !isKind(err, errors.KindClosed) {
		t.Fatalf("err = %v", err)
	}
	if _, err := lib.Space().Allocate(8); err == nil {
		t.Fatal("Allocate on closed library should fail")
	}
}
