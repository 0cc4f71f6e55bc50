package transcoder

import (
	"math"
	"reflect"
	"testing"

	"github.com/wippyai/ffi-runtime/abi"
	"github.com/wippyai/ffi-runtime/charset"
	"github.com/wippyai/ffi-runtime/errors"
	"github.com/wippyai/ffi-runtime/internal/testlib"
	"github.com/wippyai/ffi-runtime/memory"
	"github.com/wippyai/ffi-runtime/resource"
)

func newCodec(t *testing.T, scope Scope) (*Codec, *testlib.SliceMemory) {
	t.Helper()
	mem := testlib.NewSliceMemory(1 << 20)
	coord := resource.NewCoordinator()
	t.Cleanup(func() { coord.Close() })
	space := memory.NewSpace(mem, mem, abi.LinuxAMD64, coord)
	return NewCodec(space, scope), mem
}

func allocFor(t *testing.T, c *Codec, v any) *memory.Block {
	t.Helper()
	size, err := c.SizeOf(v)
	if err != nil {
		t.Fatalf("SizeOf: %v", err)
	}
	blk, err := c.Space().Allocate(size)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	t.Cleanup(func() { blk.Close() })
	return blk
}

type scalars struct {
	I8  int8
	U8  uint8
	I16 int16
	U16 uint16
	I32 int32
	U32 uint32
	I64 int64
	U64 uint64
	F32 float32
	F64 float64
	B   bool
	L   Long
	UL  ULong
	P   uintptr
}

func TestScalarCodec(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	tests := []struct {
		name string
		in   scalars
	}{
		{"min", scalars{
			I8: math.MinInt8, I16: math.MinInt16, I32: math.MinInt32, I64: math.MinInt64,
			F32: -math.MaxFloat32, F64: -math.MaxFloat64, L: math.MinInt64,
		}},
		{"max", scalars{
			I8: math.MaxInt8, U8: math.MaxUint8, I16: math.MaxInt16, U16: math.MaxUint16,
			I32: math.MaxInt32, U32: math.MaxUint32, I64: math.MaxInt64, U64: math.MaxUint64,
			F32: math.MaxFloat32, F64: math.MaxFloat64, B: true, L: math.MaxInt64, UL: math.MaxUint64,
			P: 0xdeadbeef,
		}},
		{"zero", scalars{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blk := allocFor(t, c, tt.in)
			if err := c.Encode(blk.Pointer(), &tt.in, nil); err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var out scalars
			if err := c.Decode(blk.Pointer(), &out); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out != tt.in {
				t.Fatalf("got %+v, want %+v", out, tt.in)
			}
		})
	}
}

func TestBoolIsFourBytes(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	type flags struct {
		A bool
		B bool
	}
	blk := allocFor(t, c, flags{})
	if blk.Size() != 8 {
		t.Fatalf("size = %d, want 8", blk.Size())
	}
	if err := c.Encode(blk.Pointer(), flags{B: true}, nil); err != nil {
		t.Fatal(err)
	}
	if v, _ := blk.Pointer().Int32(4); v != 1 {
		t.Fatalf("B = %d, want 1", v)
	}

	// any non-zero value decodes as true
	blk.Pointer().SetInt32(0, -7)
	var out flags
	if err := c.Decode(blk.Pointer(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.A || !out.B {
		t.Fatalf("got %+v", out)
	}
}

type labels struct {
	Name string
	Wide WString
	Argv []string
}

func TestStringFields(t *testing.T) {
	c, _ := newCodec(t, Scope{Charset: charset.UTF8})
	in := labels{Name: "héllo", Wide: "wide ✓", Argv: []string{"ls", "-l", "/tmp"}}

	blk := allocFor(t, c, in)
	keep := NewAllocationList()
	defer keep.FreeAndRelease()
	if err := c.Encode(blk.Pointer(), in, keep); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// one block per string plus the pointer table
	if keep.Count() != 6 {
		t.Fatalf("temporaries = %d, want 6", keep.Count())
	}

	np, _ := blk.Pointer().Pointer(0)
	if s, _ := np.GetString(0, charset.UTF8); s != "héllo" {
		t.Fatalf("native Name = %q", s)
	}
	wp, _ := blk.Pointer().Pointer(8)
	if s, _ := wp.GetString(0, charset.UTF32LE); s != "wide ✓" {
		t.Fatalf("native Wide = %q", s)
	}

	var out labels
	if err := c.Decode(blk.Pointer(), &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestCharsetScope(t *testing.T) {
	c, _ := newCodec(t, Scope{Charset: charset.Latin1})
	type named struct{ S string }
	blk := allocFor(t, c, named{})
	keep := NewAllocationList()
	defer keep.FreeAndRelease()
	if err := c.Encode(blk.Pointer(), named{S: "café"}, keep); err != nil {
		t.Fatal(err)
	}
	p, _ := blk.Pointer().Pointer(0)
	raw, _ := p.Bytes(0, 5)
	if want := []byte{'c', 'a', 'f', 0xe9, 0}; !reflect.DeepEqual(raw, want) {
		t.Fatalf("bytes = %x, want %x", raw, want)
	}
}

func TestNestedStructures(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	in := outer{Tag: 9, Inner: quad{A: -1, B: 1 << 40, C: 0.5, D: math.Pi}, Tail: [2]int16{-3, 4}}
	blk := allocFor(t, c, in)
	if err := c.Encode(blk.Pointer(), in, nil); err != nil {
		t.Fatal(err)
	}
	if v, _ := blk.Pointer().Int64(16); v != 1<<40 {
		t.Fatalf("Inner.B = %d", v)
	}
	var out outer
	if err := c.Decode(blk.Pointer(), &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestReferenceCycle(t *testing.T) {
	c, mem := newCodec(t, Scope{})
	a := &node{Value: 1}
	b := &node{Value: 2, Next: a}
	a.Next = b

	blk := allocFor(t, c, node{})
	keep := NewAllocationList()
	live := mem.Live()
	if err := c.Encode(blk.Pointer(), a, keep); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if keep.Count() != 2 {
		t.Fatalf("temporaries = %d, want 2", keep.Count())
	}

	var out node
	if err := c.Decode(blk.Pointer(), &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Value != 1 || out.Next.Value != 2 || out.Next.Next.Value != 1 {
		t.Fatalf("values = %d, %d, %d", out.Value, out.Next.Value, out.Next.Next.Value)
	}
	if out.Next.Next.Next != out.Next {
		t.Fatal("cycle was not preserved")
	}

	keep.FreeAndRelease()
	if mem.Live() != live {
		t.Fatalf("live allocations = %d, want %d", mem.Live(), live)
	}
}

type selected struct {
	Union
	I      int32
	F      float32
	active string
}

func (s *selected) ActiveField() string { return s.active }

func TestUnionCodec(t *testing.T) {
	c, _ := newCodec(t, Scope{})

	blk := allocFor(t, c, selected{})
	if err := c.Encode(blk.Pointer(), &selected{I: 7, F: 1.5, active: "F"}, nil); err != nil {
		t.Fatal(err)
	}
	if v, _ := blk.Pointer().Float32(0); v != 1.5 {
		t.Fatalf("native = %v, want 1.5", v)
	}

	if err := c.Encode(blk.Pointer(), &selected{active: "X"}, nil); !isKind(err, errors.KindFieldUnknown) {
		t.Fatalf("err = %v, want unknown field", err)
	}

	nb := allocFor(t, c, number{})
	if err := c.Encode(nb.Pointer(), number{D: 2.5}, nil); err != nil {
		t.Fatal(err)
	}
	var out number
	if err := c.Decode(nb.Pointer(), &out); err != nil {
		t.Fatal(err)
	}
	if out.D != 2.5 {
		t.Fatalf("D = %v, want 2.5", out.D)
	}
	if bits := math.Float64bits(2.5); out.I != int32(uint32(bits)) {
		t.Fatalf("I = %#x, want low word of D", out.I)
	}
}

func TestIntBoolConverter(t *testing.T) {
	m := NewTypeMapper()
	RegisterType[bool](m, IntBool(0xABEDCF23, 0))
	c, _ := newCodec(t, Scope{Mapper: m})

	type flags struct {
		On  bool
		Off bool
	}
	ct, err := c.Compile(reflect.TypeFor[flags]())
	if err != nil {
		t.Fatal(err)
	}
	if on, _ := ct.Field("On"); on.Type.Kind != KindConverted || on.Size != 4 {
		t.Fatalf("On = %s", on.Type)
	}

	blk := allocFor(t, c, flags{})
	if err := c.Encode(blk.Pointer(), flags{On: true}, nil); err != nil {
		t.Fatal(err)
	}
	if v, _ := blk.Pointer().Uint32(0); v != 0xABEDCF23 {
		t.Fatalf("On = %#x, want 0xabedcf23", v)
	}
	if v, _ := blk.Pointer().Uint32(4); v != 0 {
		t.Fatalf("Off = %#x, want 0", v)
	}

	var out flags
	if err := c.Decode(blk.Pointer(), &out); err != nil {
		t.Fatal(err)
	}
	if !out.On || out.Off {
		t.Fatalf("got %+v", out)
	}
}

type Level int

func (Level) NativeType() reflect.Type { return reflect.TypeFor[int16]() }

func (l Level) ToNative() (any, error) { return int16(l * 10), nil }

func (Level) FromNative(native any) (any, error) { return Level(native.(int16) / 10), nil }

func TestNativeMapped(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	type reading struct {
		L Level
		X int8
	}
	ct, err := c.Compile(reflect.TypeFor[reading]())
	if err != nil {
		t.Fatal(err)
	}
	if ct.Size != 4 {
		t.Fatalf("size = %d, want 4", ct.Size)
	}

	blk := allocFor(t, c, reading{})
	if err := c.Encode(blk.Pointer(), reading{L: 7, X: -1}, nil); err != nil {
		t.Fatal(err)
	}
	if v, _ := blk.Pointer().Int16(0); v != 70 {
		t.Fatalf("native L = %d, want 70", v)
	}
	var out reading
	if err := c.Decode(blk.Pointer(), &out); err != nil {
		t.Fatal(err)
	}
	if out.L != 7 || out.X != -1 {
		t.Fatalf("got %+v", out)
	}
}

func TestObjects(t *testing.T) {
	type holder struct{ Obj any }
	target := &quad{A: 1}

	c, _ := newCodec(t, Scope{Objects: NewObjectTable(), AllowObjects: true})
	blk := allocFor(t, c, holder{})
	if err := c.Encode(blk.Pointer(), holder{Obj: target}, nil); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out holder
	if err := c.Decode(blk.Pointer(), &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Obj != target {
		t.Fatalf("Obj = %v, want the original pointer", out.Obj)
	}

	denied := c.WithScope(Scope{Objects: NewObjectTable()})
	if err := denied.Encode(blk.Pointer(), holder{Obj: target}, nil); !isKind(err, errors.KindUnsupported) {
		t.Fatalf("err = %v, want unsupported", err)
	}
}

func TestDecodeTarget(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	blk := allocFor(t, c, quad{})
	var q quad
	if err := c.Decode(blk.Pointer(), q); !isKind(err, errors.KindNilPointer) {
		t.Fatalf("err = %v, want nil pointer", err)
	}
	if err := c.Encode(blk.Pointer(), (*quad)(nil), nil); !isKind(err, errors.KindNilPointer) {
		t.Fatalf("err = %v, want nil pointer", err)
	}
	if err := c.Encode(memory.Null, quad{}, nil); err == nil {
		t.Fatal("encoding to NULL should fail")
	}
}
