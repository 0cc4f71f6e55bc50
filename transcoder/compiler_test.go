package transcoder

import (
	"reflect"
	"testing"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/errors"
)

type quad struct {
	A int32
	B int64
	C float32
	D float64
}

func TestGoldenLayouts(t *testing.T) {
	tests := []struct {
		name    string
		p       abi.Platform
		rule    AlignmentRule
		offsets []uint64
		size    uint64
	}{
		{"linux/amd64 default", abi.LinuxAMD64, AlignDefault, []uint64{0, 8, 16, 24}, 32},
		{"linux/amd64 gnuc", abi.LinuxAMD64, AlignGNUC, []uint64{0, 8, 16, 24}, 32},
		{"linux/amd64 none", abi.LinuxAMD64, AlignNone, []uint64{0, 4, 12, 16}, 24},
		{"linux/386 default", abi.Linux386, AlignDefault, []uint64{0, 4, 12, 16}, 24},
		{"windows/386 default", abi.Windows386, AlignDefault, []uint64{0, 8, 16, 24}, 32},
		{"windows/386 msvc", abi.Windows386, AlignMSVC, []uint64{0, 8, 16, 24}, 32},
		{"wasm32 default", abi.Wasm32, AlignDefault, []uint64{0, 8, 16, 24}, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := NewCompiler(tt.p).Compile(reflect.TypeFor[quad](), tt.rule, nil)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if !reflect.DeepEqual(ct.Offsets(), tt.offsets) {
				t.Fatalf("offsets = %v, want %v", ct.Offsets(), tt.offsets)
			}
			if ct.Size != tt.size {
				t.Fatalf("size = %d, want %d", ct.Size, tt.size)
			}
		})
	}
}

func TestScalarSizes(t *testing.T) {
	tests := []struct {
		name string
		p    abi.Platform
		t    reflect.Type
		kind TypeKind
		size uint64
	}{
		{"bool", abi.LinuxAMD64, reflect.TypeFor[bool](), KindBool, 4},
		{"long lp64", abi.LinuxAMD64, reflect.TypeFor[Long](), KindS64, 8},
		{"long llp64", abi.WindowsAMD64, reflect.TypeFor[Long](), KindS32, 4},
		{"ulong ilp32", abi.Linux386, reflect.TypeFor[ULong](), KindU32, 4},
		{"int", abi.Linux386, reflect.TypeFor[int](), KindS32, 4},
		{"uintptr", abi.LinuxAMD64, reflect.TypeFor[uintptr](), KindU64, 8},
		{"string", abi.Wasm32, reflect.TypeFor[string](), KindString, 4},
		{"wstring", abi.LinuxAMD64, reflect.TypeFor[WString](), KindWString, 8},
		{"callback", abi.LinuxAMD64, reflect.TypeFor[func(int32) int32](), KindCallback, 8},
		{"object", abi.LinuxAMD64, reflect.TypeFor[any](), KindObject, 8},
		{"argv", abi.LinuxAMD64, reflect.TypeFor[[]string](), KindStringArray, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := NewCompiler(tt.p).Compile(tt.t, AlignDefault, nil)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if ct.Kind != tt.kind {
				t.Fatalf("kind = %s, want %s", ct.Kind, tt.kind)
			}
			if tt.size != 0 && ct.Size != tt.size {
				t.Fatalf("size = %d, want %d", ct.Size, tt.size)
			}
		})
	}
}

func TestCompileCache(t *testing.T) {
	c := NewCompiler(abi.LinuxAMD64)
	a, err := c.Compile(reflect.TypeFor[quad](), AlignDefault, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := c.Compile(reflect.TypeFor[quad](), AlignDefault, nil)
	if a != b {
		t.Fatal("fixed layout should be cached")
	}
	packed, _ := c.Compile(reflect.TypeFor[quad](), AlignNone, nil)
	if packed == a {
		t.Fatal("rules must not share a cache entry")
	}

	m := NewTypeMapper()
	mapped, _ := c.Compile(reflect.TypeFor[quad](), AlignDefault, m)
	if mapped == a {
		t.Fatal("mappers must not share a cache entry")
	}
}

type packet struct {
	N    int32
	Data []byte
}

func TestVariableLayout(t *testing.T) {
	c := NewCompiler(abi.LinuxAMD64)
	before := c.CachedCount()

	a, err := c.CompileValue(reflect.ValueOf(packet{Data: make([]byte, 3)}), AlignDefault, nil)
	if err != nil {
		t.Fatalf("CompileValue: %v", err)
	}
	b, err := c.CompileValue(reflect.ValueOf(packet{Data: make([]byte, 3)}), AlignDefault, nil)
	if err != nil {
		t.Fatalf("CompileValue: %v", err)
	}
	if a == b {
		t.Fatal("instance layouts should not be shared")
	}
	if a.Size != 8 || b.Size != 8 {
		t.Fatalf("sizes = %d, %d, want 8", a.Size, b.Size)
	}

	big, _ := c.CompileValue(reflect.ValueOf(packet{Data: make([]byte, 13)}), AlignDefault, nil)
	if big.Size != 20 {
		t.Fatalf("size = %d, want 20", big.Size)
	}
	if c.CachedCount() != before {
		t.Fatalf("variable layouts were cached")
	}
}

type reordered struct {
	A int8
	B int64
}

func (reordered) FieldOrder() []string { return []string{"B", "A"} }

type misordered struct {
	A int32
	B int32
}

func (misordered) FieldOrder() []string { return []string{"A", "C", "A"} }

type packedPair struct {
	A int8
	B int32
}

func (packedPair) AlignmentRule() AlignmentRule { return AlignNone }

func TestFieldOrder(t *testing.T) {
	c := NewCompiler(abi.LinuxAMD64)
	ct, err := c.Compile(reflect.TypeFor[reordered](), AlignDefault, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if b, _ := ct.Field("B"); b.Offset != 0 {
		t.Fatalf("B offset = %d, want 0", b.Offset)
	}
	if a, _ := ct.Field("A"); a.Offset != 8 {
		t.Fatalf("A offset = %d, want 8", a.Offset)
	}

	_, err = c.Compile(reflect.TypeFor[misordered](), AlignDefault, nil)
	if !isKind(err, errors.KindFieldOrder) {
		t.Fatalf("err = %v, want field order error", err)
	}
}

func TestAlignmentOverride(t *testing.T) {
	ct, err := NewCompiler(abi.LinuxAMD64).Compile(reflect.TypeFor[packedPair](), AlignDefault, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ct.Size != 5 || ct.Rule != AlignNone {
		t.Fatalf("layout = %s, want packed 5 bytes", ct)
	}
}

type empty struct{}

type hidden struct {
	a int32
	B int32 `ffi:"-"`
}

func TestEmptyStructure(t *testing.T) {
	c := NewCompiler(abi.LinuxAMD64)
	for _, typ := range []reflect.Type{reflect.TypeFor[empty](), reflect.TypeFor[hidden]()} {
		_, err := c.Compile(typ, AlignDefault, nil)
		if !isKind(err, errors.KindFieldMissing) {
			t.Fatalf("%s: err = %v, want field missing", typ, err)
		}
	}
}

type number struct {
	Union
	I int32
	D float64
	B [3]byte
}

func TestUnionLayout(t *testing.T) {
	ct, err := NewCompiler(abi.LinuxAMD64).Compile(reflect.TypeFor[number](), AlignDefault, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ct.Kind != KindUnion {
		t.Fatalf("kind = %s, want union", ct.Kind)
	}
	if ct.Size != 8 || ct.Align != 8 {
		t.Fatalf("size/align = %d/%d, want 8/8", ct.Size, ct.Align)
	}
	for _, off := range ct.Offsets() {
		if off != 0 {
			t.Fatalf("member offset %d, want 0", off)
		}
	}
}

type node struct {
	Value int32
	Next  *node
}

type outer struct {
	Tag   uint8
	Inner quad
	Tail  [2]int16
}

func TestNestedAndRecursive(t *testing.T) {
	c := NewCompiler(abi.LinuxAMD64)
	ct, err := c.Compile(reflect.TypeFor[node](), AlignDefault, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	next, _ := ct.Field("Next")
	if next.Type.Kind != KindStructRef || next.Type.Elem != ct {
		t.Fatalf("Next = %s, want reference to node", next.Type)
	}
	if ct.Size != 16 {
		t.Fatalf("size = %d, want 16", ct.Size)
	}

	o, err := c.Compile(reflect.TypeFor[outer](), AlignDefault, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(o.Offsets(), []uint64{0, 8, 40}) || o.Size != 48 {
		t.Fatalf("outer = %s", o)
	}
}

func TestUnsupportedTypes(t *testing.T) {
	c := NewCompiler(abi.LinuxAMD64)
	for _, typ := range []reflect.Type{
		reflect.TypeFor[map[string]int](),
		reflect.TypeFor[chan int](),
		reflect.TypeFor[complex128](),
		reflect.TypeFor[**int32](),
	} {
		if _, err := c.Compile(typ, AlignDefault, nil); err == nil {
			t.Fatalf("%s should not compile", typ)
		}
	}
}

func TestABIClassification(t *testing.T) {
	c := NewCompiler(abi.LinuxAMD64)
	type pair struct{ X, Y float32 }
	ct, err := c.Compile(reflect.TypeFor[pair](), AlignDefault, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ct.ABI.Kind != abi.Struct || len(ct.ABI.Members) != 2 {
		t.Fatalf("ABI = %+v", ct.ABI)
	}
	if k, ok := ct.ABI.HomogeneousFloat(); !ok || k != abi.Float32 {
		t.Fatalf("HomogeneousFloat = %v, %v", k, ok)
	}
}

func isKind(err error, kind errors.Kind) bool {
	e, ok := err.(*errors.Error)
	return ok && e.Kind == kind
}
