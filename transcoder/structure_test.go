package transcoder

import (
	"reflect"
	"strings"
	"testing"

	"github.com/wippyai/ffi-runtime/errors"
)

type counters struct {
	A int32
	V int32 `ffi:",volatile"`
	R int32 `ffi:"readonly_r,readonly"`
}

func TestStructReadWrite(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	q := &quad{A: 1, D: 0.5}
	s, err := NewStruct(c, q)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	defer s.Close()

	p := s.Pointer()
	if v, _ := p.Int32(0); v != 1 {
		t.Fatalf("native A = %d, want 1", v)
	}

	p.SetInt64(8, -5)
	if err := s.Read(); err != nil {
		t.Fatal(err)
	}
	if q.B != -5 {
		t.Fatalf("B = %d, want -5", q.B)
	}

	q.C = 3.5
	if err := s.Write(); err != nil {
		t.Fatal(err)
	}
	if v, _ := p.Float32(16); v != 3.5 {
		t.Fatalf("native C = %v", v)
	}
	if s.Size() != 32 || !s.Owned() {
		t.Fatalf("size = %d, owned = %v", s.Size(), s.Owned())
	}
}

func TestVolatileAndReadOnly(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	v := &counters{A: 1, V: 2, R: 3}
	s, err := NewStruct(c, v)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	p := s.Pointer()

	if got, _ := p.Int32(4); got != 0 {
		t.Fatalf("volatile field written automatically: %d", got)
	}
	if got, _ := p.Int32(8); got != 0 {
		t.Fatalf("read-only field written: %d", got)
	}
	if err := s.WriteField("V"); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	if got, _ := p.Int32(4); got != 2 {
		t.Fatalf("V = %d, want 2", got)
	}
	if err := s.WriteField("readonly_r"); !isKind(err, errors.KindUnsupported) {
		t.Fatalf("read-only WriteField: err = %v", err)
	}
	if err := s.WriteField("missing"); !isKind(err, errors.KindFieldUnknown) {
		t.Fatalf("unknown WriteField: err = %v", err)
	}

	p.SetInt32(8, 30)
	if err := s.ReadField("readonly_r"); err != nil {
		t.Fatal(err)
	}
	if v.R != 30 {
		t.Fatalf("R = %d, want 30", v.R)
	}
}

func TestStructAt(t *testing.T) {
	c, mem := newCodec(t, Scope{})
	blk, _ := c.Space().Allocate(32)
	defer blk.Close()
	blk.Pointer().SetInt32(0, 11)

	var q quad
	s, err := StructAt(c, c.Space().At(blk.Address()), &q)
	if err != nil {
		t.Fatalf("StructAt: %v", err)
	}
	if q.A != 11 {
		t.Fatalf("A = %d, want 11", q.A)
	}
	if n, bounded := s.Pointer().Size(); !bounded || n != 32 {
		t.Fatalf("view bound = %d, %v", n, bounded)
	}
	freed := len(mem.Freed())
	s.Close()
	if len(mem.Freed()) != freed || blk.Closed() {
		t.Fatal("closing a view freed the memory")
	}

	if _, err := StructAt(c, c.Space().At(0), &q); !isKind(err, errors.KindNilPointer) {
		t.Fatalf("NULL view: err = %v", err)
	}
	if _, err := NewStruct(c, q); !isKind(err, errors.KindInvalidInput) {
		t.Fatalf("non-pointer: err = %v", err)
	}
}

func TestStructHandleArgument(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	q := &quad{A: 1}
	s, err := NewStruct(c, q)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	cl := c.NewCall()
	defer cl.Release()
	q.A = 2 // written automatically before the call
	arg, err := cl.Lower(compile[*Struct](t, c), reflect.ValueOf(s), 0)
	if err != nil {
		t.Fatal(err)
	}
	if arg.Word != s.Pointer().Address() {
		t.Fatalf("word = %#x", arg.Word)
	}
	if v, _ := s.Pointer().Int32(0); v != 2 {
		t.Fatalf("native A = %d, want 2", v)
	}

	s.Pointer().SetInt32(0, 3)
	if err := cl.Sync(); err != nil {
		t.Fatal(err)
	}
	if q.A != 3 {
		t.Fatalf("A = %d, want 3", q.A)
	}

	s.SetAutoRead(false)
	s.Pointer().SetInt32(0, 4)
	cl2 := c.NewCall()
	defer cl2.Release()
	q.A = 5
	if _, err := cl2.Lower(compile[*Struct](t, c), reflect.ValueOf(s), 0); err != nil {
		t.Fatal(err)
	}
	s.Pointer().SetInt32(0, 6)
	cl2.Sync()
	if q.A != 5 {
		t.Fatalf("A = %d, want 5 with auto-read off", q.A)
	}
}

func TestStructString(t *testing.T) {
	c, _ := newCodec(t, Scope{})
	s, err := NewStruct(c, &quad{A: 7})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	out := s.String()
	for _, want := range []string{"transcoder.quad", "(32 bytes)", "s32 A@0x0=7", "memory dump"} {
		if !strings.Contains(out, want) {
			t.Fatalf("String() = %q, missing %q", out, want)
		}
	}
}
