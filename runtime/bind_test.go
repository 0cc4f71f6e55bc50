package runtime

import (
	"context"
	"reflect"
	"testing"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/internal/testlib"
)

type testAPI struct {
	Add         func(a, b int32) int32
	AddCtx      func(ctx context.Context, a, b int32) (int32, error) `ffi:"add"`
	AddAlt      func(a, b int32) int32                               `ffi:"add,stdcall"`
	Greeting    func() string
	SumArray    func(values []int32, n int32) int32
	Fill        func(buf []byte, n, c int32)
	Sum         func(format string, args ...any) float64
	IdentityF64 func(float64) float64
	Missing     func() (int32, error)
	Broken      func() int32 `ffi:"no_such_symbol"`
	Skipped     func()       `ffi:"-"`

	unexported func()
}

func TestBind(t *testing.T) {
	lib := openLibrary(t)
	var api testAPI
	if err := lib.Bind(&api); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if api.Skipped != nil || api.unexported != nil {
		t.Fatal("skipped fields should stay nil")
	}

	if got := api.Add(2, 3); got != 5 {
		t.Fatalf("Add = %d", got)
	}
	got, err := api.AddCtx(context.Background(), 20, 22)
	if err != nil || got != 42 {
		t.Fatalf("AddCtx = %d, %v", got, err)
	}
	if got := api.IdentityF64(-0.5); got != -0.5 {
		t.Fatalf("IdentityF64 = %v", got)
	}
	if s := api.Greeting(); s != testlib.Greeting {
		t.Fatalf("Greeting = %q", s)
	}
	if sum := api.SumArray([]int32{1, 2, 3, 4}, 4); sum != 10 {
		t.Fatalf("SumArray = %d", sum)
	}

	buf := make([]byte, 6)
	api.Fill(buf, 4, 'x')
	if string(buf) != "xxxx\x00\x00" {
		t.Fatalf("Fill left %q", buf)
	}

	if s := api.Sum("di", 1.5, int32(2)); s != 3.5 {
		t.Fatalf("Sum = %v", s)
	}
	if s := api.Sum("d", 2.5); s != 2.5 {
		t.Fatalf("Sum = %v", s)
	}

	if _, err := api.Missing(); !isKind(err, errors.KindUnresolved) {
		t.Fatalf("Missing: err = %v", err)
	}

	func() {
		defer func() {
			r := recover()
			if err, ok := r.(error); !ok || !isKind(err, errors.KindUnresolved) {
				t.Fatalf("Broken panicked with %v", r)
			}
		}()
		api.Broken()
		t.Fatal("Broken should panic")
	}()
}

func TestBindConvention(t *testing.T) {
	lib := openLibrary(t)
	var api testAPI
	if err := lib.Bind(&api); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if lib.FunctionWith("add", abi.ConventionAlt) == lib.Function("add") {
		t.Fatal("conventions should get distinct functions")
	}
	if got := api.AddAlt(1, 2); got != 3 {
		t.Fatalf("AddAlt = %d", got)
	}
}

func TestBindErrors(t *testing.T) {
	lib := openLibrary(t)

	var api testAPI
	if err := lib.Bind(api); !isKind(err, errors.KindInvalidInput) {
		t.Fatalf("Bind(non-pointer): err = %v", err)
	}

	var badConv struct {
		Add func(int32, int32) int32 `ffi:"add,fastcall"`
	}
	if err := lib.Bind(&badConv); !isKind(err, errors.KindInvalidInput) {
		t.Fatalf("unknown convention: err = %v", err)
	}

	var badShape struct {
		Pair func() (int32, int32)
	}
	if err := lib.Bind(&badShape); !isKind(err, errors.KindUnsupported) {
		t.Fatalf("two results: err = %v", err)
	}
}

func TestBindingCached(t *testing.T) {
	typ := reflect.TypeFor[testAPI]()
	a, err := bindingFor(typ)
	if err != nil {
		t.Fatal(err)
	}
	b, err := bindingFor(typ)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("binding should be computed once per type")
	}
	if len(a.fields) != 10 {
		t.Fatalf("bound %d fields, want 10", len(a.fields))
	}
}

func TestNativeFunc(t *testing.T) {
	lib := openLibrary(t)

	add, err := NativeFunc[func(int32, int32) (int32, error)](lib, "add")
	if err != nil {
		t.Fatalf("NativeFunc: %v", err)
	}
	if got, err := add(7, 8); err != nil || got != 15 {
		t.Fatalf("add = %d, %v", got, err)
	}

	if _, err := NativeFunc[int](lib, "add"); !isKind(err, errors.KindTypeMismatch) {
		t.Fatalf("non-func type: err = %v", err)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Add", "add"},
		{"SumPoint", "sum_point"},
		{"HTTPGet", "http_get"},
		{"IdentityI32", "identity_i32"},
		{"GetURL", "get_url"},
		{"Already_Snake", "already_snake"},
		{"X", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := toSnakeCase(tt.in); got != tt.want {
				t.Fatalf("toSnakeCase(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
