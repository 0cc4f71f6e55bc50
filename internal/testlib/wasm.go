package testlib

import (
	"encoding/binary"
	"math"
)

// Value types.
const (
	i32 byte = 0x7f
	i64 byte = 0x7e
	f32 byte = 0x7d
	f64 byte = 0x7c
)

// Instructions used by the test library.
const (
	opBlock        = 0x02
	opLoop         = 0x03
	opIf           = 0x04
	opElse         = 0x05
	opEnd          = 0x0b
	opBr           = 0x0c
	opBrIf         = 0x0d
	opReturn       = 0x0f
	opCallIndirect = 0x11
	opLocalGet     = 0x20
	opLocalSet     = 0x21
	opLocalTee     = 0x22
	opGlobalGet    = 0x23
	opGlobalSet    = 0x24
	opI32Load      = 0x28
	opF64Load      = 0x2b
	opI32Load8U    = 0x2d
	opI32Store     = 0x36
	opI32Store8    = 0x3a
	opMemorySize   = 0x3f
	opI32Const     = 0x41
	opF64Const     = 0x44
	opI32Eqz       = 0x45
	opI32Eq        = 0x46
	opI32LtU       = 0x49
	opI32GtU       = 0x4b
	opI32GeU       = 0x4f
	opI32Add       = 0x6a
	opI32Mul       = 0x6c
	opI32And       = 0x71
	opI32Shl       = 0x74
	opF64Add       = 0xa0
	opF64FromI32   = 0xb7
	opF64FromI64   = 0xb9
	opF64FromF32   = 0xbb
	blockEmpty     = 0x40
)

// Sections.
const (
	secType     = 1
	secImport   = 2
	secFunction = 3
	secTable    = 4
	secMemory   = 5
	secGlobal   = 6
	secExport   = 7
	secElem     = 9
	secCode     = 10
	secData     = 11
)

// writer appends wasm binary primitives.
type writer struct {
	buf []byte
}

func (w *writer) byte(b ...byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) u32(v uint32) {
	w.buf = appendU32(w.buf, v)
}

func (w *writer) name(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) vec(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) section(id byte, body []byte) {
	w.byte(id)
	w.vec(body)
}

func appendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b = append(b, c|0x80)
			continue
		}
		return append(b, c)
	}
}

func appendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}

// code is a function body under construction.
type code []byte

func (c code) op(b ...byte) code { return append(c, b...) }

func (c code) get(i uint32) code { return appendU32(append(c, opLocalGet), i) }

func (c code) set(i uint32) code { return appendU32(append(c, opLocalSet), i) }

func (c code) tee(i uint32) code { return appendU32(append(c, opLocalTee), i) }

func (c code) global(op byte, i uint32) code { return appendU32(append(c, op), i) }

func (c code) i32(v int32) code { return appendS64(append(c, opI32Const), int64(v)) }

func (c code) f64(v float64) code {
	c = append(c, opF64Const)
	return binary.LittleEndian.AppendUint64(c, math.Float64bits(v))
}

// mem emits a load or store with the given alignment exponent and offset.
func (c code) mem(op byte, align, off uint32) code {
	return appendU32(appendU32(append(c, op), align), off)
}

func (c code) br(op byte, depth uint32) code { return appendU32(append(c, op), depth) }

func (c code) callIndirect(typ uint32) code { return append(appendU32(append(c, opCallIndirect), typ), 0) }

type funcType struct {
	params, results []byte
}

type wasmFunc struct {
	name   string
	typ    uint32
	locals []byte // one entry per local
	body   code
}

type wasmImport struct {
	module, name string
	typ          uint32
}

type dataSegment struct {
	offset int32
	data   []byte
}

// moduleBuilder assembles a wasm32 module with one memory, one funcref
// table and mutable i32 globals.
type moduleBuilder struct {
	types   []funcType
	imports []wasmImport
	funcs   []wasmFunc
	globals []int32
	elems   []uint32 // function indices placed in the table from index 1
	data    []dataSegment
	pages   uint32
	table   uint32
}

func (m *moduleBuilder) typeOf(params, results []byte) uint32 {
	for i, t := range m.types {
		if string(t.params) == string(params) && string(t.results) == string(results) {
			return uint32(i)
		}
	}
	m.types = append(m.types, funcType{params: params, results: results})
	return uint32(len(m.types) - 1)
}

func (m *moduleBuilder) importFunc(module, name string, params, results []byte) uint32 {
	m.imports = append(m.imports, wasmImport{module: module, name: name, typ: m.typeOf(params, results)})
	return uint32(len(m.imports) - 1)
}

// function adds an exported function and returns its function index.
// Imports must be declared first.
func (m *moduleBuilder) function(name string, params, results, locals []byte, body code) uint32 {
	m.funcs = append(m.funcs, wasmFunc{name: name, typ: m.typeOf(params, results), locals: locals, body: body})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

func (m *moduleBuilder) encode() []byte {
	w := &writer{}
	w.byte(0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00)

	sec := &writer{}
	sec.u32(uint32(len(m.types)))
	for _, t := range m.types {
		sec.byte(0x60)
		sec.vec(t.params)
		sec.vec(t.results)
	}
	w.section(secType, sec.buf)

	if len(m.imports) > 0 {
		sec = &writer{}
		sec.u32(uint32(len(m.imports)))
		for _, imp := range m.imports {
			sec.name(imp.module)
			sec.name(imp.name)
			sec.byte(0x00)
			sec.u32(imp.typ)
		}
		w.section(secImport, sec.buf)
	}

	sec = &writer{}
	sec.u32(uint32(len(m.funcs)))
	for _, f := range m.funcs {
		sec.u32(f.typ)
	}
	w.section(secFunction, sec.buf)

	sec = &writer{}
	sec.u32(1)
	sec.byte(0x70, 0x00)
	sec.u32(m.table)
	w.section(secTable, sec.buf)

	sec = &writer{}
	sec.u32(1)
	sec.byte(0x00)
	sec.u32(m.pages)
	w.section(secMemory, sec.buf)

	if len(m.globals) > 0 {
		w.section(secGlobal, globalSection(m.globals))
	}

	sec = &writer{}
	sec.u32(uint32(len(m.funcs) + 1))
	sec.name("memory")
	sec.byte(0x02)
	sec.u32(0)
	for i, f := range m.funcs {
		sec.name(f.name)
		sec.byte(0x00)
		sec.u32(uint32(len(m.imports) + i))
	}
	w.section(secExport, sec.buf)

	if len(m.elems) > 0 {
		sec = &writer{}
		sec.u32(1)
		sec.byte(0x00)
		sec.buf = append(sec.buf, code{}.i32(1).op(opEnd)...)
		sec.u32(uint32(len(m.elems)))
		for _, idx := range m.elems {
			sec.u32(idx)
		}
		w.section(secElem, sec.buf)
	}

	sec = &writer{}
	sec.u32(uint32(len(m.funcs)))
	for _, f := range m.funcs {
		body := &writer{}
		body.u32(uint32(len(f.locals)))
		for _, l := range f.locals {
			body.u32(1)
			body.byte(l)
		}
		body.byte(f.body...)
		body.byte(opEnd)
		sec.vec(body.buf)
	}
	w.section(secCode, sec.buf)

	if len(m.data) > 0 {
		sec = &writer{}
		sec.u32(uint32(len(m.data)))
		for _, d := range m.data {
			sec.byte(0x00)
			sec.buf = append(sec.buf, code{}.i32(d.offset).op(opEnd)...)
			sec.vec(d.data)
		}
		w.section(secData, sec.buf)
	}
	return w.buf
}

func globalSection(globals []int32) []byte {
	sec := &writer{}
	sec.u32(uint32(len(globals)))
	for _, g := range globals {
		sec.byte(i32, 0x01)
		sec.buf = append(sec.buf, code{}.i32(g).op(opEnd)...)
	}
	return sec.buf
}
