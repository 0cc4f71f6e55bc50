package testlib

import "sync"

// Fixed addresses inside the test library's memory.
const (
	ErrnoAddr    = 1024
	GreetingAddr = 2048
	HeapBase     = 8192

	Greeting = "hello from wasm"

	// Trampolines is the number of callback entry points the library
	// imports: four of shape int(int) and two of shape int(int, int).
	Trampolines = 6

	// AdderPointer is the function pointer get_adder returns.
	AdderPointer = 7
)

// TrampolineModule is the import module of the callback entry points.
const TrampolineModule = "ffi"

var library = sync.OnceValue(buildLibrary)

// Library returns a wasm32 module that behaves like a small C library
// compiled with clang for wasm32: exported memory, malloc and free,
// __errno_location, function pointers as table indices, variadic arguments
// passed through a buffer and structures passed indirectly.
//
// Exports, in C terms:
//
//	void *malloc(size_t); void free(void *); int freed_count(void);
//	int add(int, int);
//	int identity_i32(int); long long identity_i64(long long);
//	float identity_f32(float); double identity_f64(double);
//	size_t strlen(const char *);
//	int sum_point(struct point);          // struct point { int x, y; }
//	void scale_point(struct point *, int);
//	void inc_i32(int *);
//	struct point make_point(int, int);
//	double sum(const char *fmt, ...);     // 'f' double, 'd' int; -1 unless NULL terminated
//	int *__errno_location(void); void set_errno(int);
//	int sum_array(const int *, int);
//	const char *greeting(void);
//	int apply(int (*)(int), int); int apply2(int (*)(int, int), int, int);
//	int (*get_adder(void))(int, int);
//	void *__ffi_trampoline(int);
//	double mix(int, long long, float, double);
//	void fill(char *, int, int);
func Library() []byte {
	return library()
}

func buildLibrary() []byte {
	m := &moduleBuilder{pages: 4, table: 16, globals: []int32{HeapBase, 0}}

	ii := []byte{i32}
	iii := []byte{i32, i32}
	var none []byte

	var trampolines []uint32
	for i := 0; i < Trampolines; i++ {
		params := ii
		if i >= 4 {
			params = iii
		}
		trampolines = append(trampolines, m.importFunc(TrampolineModule, "trampoline"+string(rune('0'+i)), params, ii))
	}
	unary := m.typeOf(ii, ii)
	binaryOp := m.typeOf(iii, ii)

	// malloc: 16-byte aligned bump allocation, 0 when memory is exhausted
	m.function("malloc", ii, ii, []byte{i32}, code{}.
		global(opGlobalGet, 0).i32(15).op(opI32Add).i32(-16).op(opI32And).tee(1).
		get(0).op(opI32Add).global(opGlobalSet, 0).
		global(opGlobalGet, 0).op(opMemorySize, 0x00).i32(16).op(opI32Shl).op(opI32GtU).
		op(opIf, blockEmpty).i32(0).op(opReturn).op(opEnd).
		get(1))
	m.function("free", ii, none, nil, code{}.
		global(opGlobalGet, 1).i32(1).op(opI32Add).global(opGlobalSet, 1))
	m.function("freed_count", none, ii, nil, code{}.global(opGlobalGet, 1))

	add := m.function("add", iii, ii, nil, code{}.get(0).get(1).op(opI32Add))
	m.function("identity_i32", ii, ii, nil, code{}.get(0))
	m.function("identity_i64", []byte{i64}, []byte{i64}, nil, code{}.get(0))
	m.function("identity_f32", []byte{f32}, []byte{f32}, nil, code{}.get(0))
	m.function("identity_f64", []byte{f64}, []byte{f64}, nil, code{}.get(0))

	m.function("strlen", ii, ii, []byte{i32}, code{}.
		op(opBlock, blockEmpty, opLoop, blockEmpty).
		get(0).get(1).op(opI32Add).mem(opI32Load8U, 0, 0).op(opI32Eqz).br(opBrIf, 1).
		get(1).i32(1).op(opI32Add).set(1).
		br(opBr, 0).
		op(opEnd, opEnd).
		get(1))

	m.function("sum_point", ii, ii, nil, code{}.
		get(0).mem(opI32Load, 2, 0).get(0).mem(opI32Load, 2, 4).op(opI32Add))
	m.function("scale_point", iii, none, nil, code{}.
		get(0).get(0).mem(opI32Load, 2, 0).get(1).op(opI32Mul).mem(opI32Store, 2, 0).
		get(0).get(0).mem(opI32Load, 2, 4).get(1).op(opI32Mul).mem(opI32Store, 2, 4))
	m.function("inc_i32", ii, none, nil, code{}.
		get(0).get(0).mem(opI32Load, 2, 0).i32(1).op(opI32Add).mem(opI32Store, 2, 0))
	m.function("make_point", []byte{i32, i32, i32}, none, nil, code{}.
		get(0).get(1).mem(opI32Store, 2, 0).
		get(0).get(2).mem(opI32Store, 2, 4))

	// sum(fmt, va): locals 2 = current char, 3 = accumulator
	m.function("sum", iii, []byte{f64}, []byte{i32, f64}, code{}.
		op(opBlock, blockEmpty, opLoop, blockEmpty).
		get(0).mem(opI32Load8U, 0, 0).tee(2).op(opI32Eqz).br(opBrIf, 1).
		get(2).i32('f').op(opI32Eq).
		op(opIf, blockEmpty).
		get(1).i32(7).op(opI32Add).i32(-8).op(opI32And).tee(1).
		mem(opF64Load, 3, 0).get(3).op(opF64Add).set(3).
		get(1).i32(8).op(opI32Add).set(1).
		op(opElse).
		get(1).i32(3).op(opI32Add).i32(-4).op(opI32And).tee(1).
		mem(opI32Load, 2, 0).op(opF64FromI32).get(3).op(opF64Add).set(3).
		get(1).i32(4).op(opI32Add).set(1).
		op(opEnd).
		get(0).i32(1).op(opI32Add).set(0).
		br(opBr, 0).
		op(opEnd, opEnd).
		get(1).i32(3).op(opI32Add).i32(-4).op(opI32And).mem(opI32Load, 2, 0).
		op(opIf, f64).f64(-1).op(opElse).get(3).op(opEnd))

	m.function("__errno_location", none, ii, nil, code{}.i32(ErrnoAddr))
	m.function("set_errno", ii, none, nil, code{}.i32(ErrnoAddr).get(0).mem(opI32Store, 2, 0))

	// sum_array(p, n): locals 2 = index, 3 = accumulator
	m.function("sum_array", iii, ii, []byte{i32, i32}, code{}.
		op(opBlock, blockEmpty, opLoop, blockEmpty).
		get(2).get(1).op(opI32GeU).br(opBrIf, 1).
		get(3).get(0).get(2).i32(2).op(opI32Shl).op(opI32Add).mem(opI32Load, 2, 0).op(opI32Add).set(3).
		get(2).i32(1).op(opI32Add).set(2).
		br(opBr, 0).
		op(opEnd, opEnd).
		get(3))

	m.function("greeting", none, ii, nil, code{}.i32(GreetingAddr))
	m.function("apply", iii, ii, nil, code{}.get(1).get(0).callIndirect(unary))
	m.function("apply2", []byte{i32, i32, i32}, ii, nil, code{}.get(1).get(2).get(0).callIndirect(binaryOp))
	m.function("get_adder", none, ii, nil, code{}.i32(AdderPointer))
	m.function("__ffi_trampoline", ii, ii, nil, code{}.
		get(0).i32(Trampolines).op(opI32LtU).
		op(opIf, i32).get(0).i32(1).op(opI32Add).op(opElse).i32(0).op(opEnd))
	m.function("mix", []byte{i32, i64, f32, f64}, []byte{f64}, nil, code{}.
		get(0).op(opF64FromI32).
		get(1).op(opF64FromI64).op(opF64Add).
		get(2).op(opF64FromF32).op(opF64Add).
		get(3).op(opF64Add))

	// fill(p, n, c): local 3 = index
	m.function("fill", []byte{i32, i32, i32}, none, []byte{i32}, code{}.
		op(opBlock, blockEmpty, opLoop, blockEmpty).
		get(3).get(1).op(opI32GeU).br(opBrIf, 1).
		get(0).get(3).op(opI32Add).get(2).mem(opI32Store8, 0, 0).
		get(3).i32(1).op(opI32Add).set(3).
		br(opBr, 0).
		op(opEnd, opEnd))

	// table[1..6] = trampolines, table[7] = add
	m.elems = append(trampolines, add)
	m.data = []dataSegment{{offset: GreetingAddr, data: append([]byte(Greeting), 0)}}
	return m.encode()
}
