package memory

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/wippyai/ffi-runtime/charset"
	"github.com/wippyai/ffi-runtime/errors"
)

// MaxStringSize bounds NUL-terminated string scans on unbounded pointers.
const MaxStringSize = 1 << 30

// Pointer is a native address. A bounded pointer checks every access
// against its size; an unbounded pointer leaves checking to the underlying
// memory. Pointers obtained from a Block keep the Block alive.
//
// The zero Pointer is NULL.
type Pointer struct {
	space   *Space
	owner   *Block
	addr    uint64
	size    uint64
	bounded bool
}

// Null is the NULL pointer.
var Null Pointer

// Address returns the raw native address.
func (p Pointer) Address() uint64 {
	return p.addr
}

// IsNil reports whether p is NULL.
func (p Pointer) IsNil() bool {
	return p.addr == 0
}

// Space returns the address space p points into.
func (p Pointer) Space() *Space {
	return p.space
}

// Owner returns the block p was derived from, if any.
func (p Pointer) Owner() *Block {
	return p.owner
}

// Size returns the accessible length of a bounded pointer.
func (p Pointer) Size() (uint64, bool) {
	return p.size, p.bounded
}

// Equal compares native addresses.
func (p Pointer) Equal(o Pointer) bool {
	return p.addr == o.addr
}

// Add returns p advanced by off bytes. A bounded pointer keeps the remaining
// bound; advancing past it yields a zero-length pointer.
func (p Pointer) Add(off uint64) Pointer {
	q := p
	q.addr += off
	if p.bounded {
		if off >= p.size {
			q.size = 0
		} else {
			q.size = p.size - off
		}
	}
	return q
}

// Share returns a bounded view of [off, off+size) that holds a reference to
// the same owner.
func (p Pointer) Share(off, size uint64) (Pointer, error) {
	if err := p.check(off, size); err != nil {
		return Null, err
	}
	return Pointer{space: p.space, owner: p.owner, addr: p.addr + off, size: size, bounded: true}, nil
}

func (p Pointer) check(off, n uint64) error {
	if p.addr == 0 {
		return errors.NilPointer(errors.PhaseMemory, nil, "pointer")
	}
	if p.space == nil {
		return errors.NotInitialized(errors.PhaseMemory, "address space")
	}
	if p.owner != nil && p.owner.Closed() {
		return errors.Closed(errors.PhaseMemory, p.owner.String())
	}
	if p.bounded && (off > p.size || n > p.size-off) {
		return errors.OutOfBounds(errors.PhaseMemory, nil, off, n, p.size)
	}
	return nil
}

// Bytes copies n bytes at off.
func (p Pointer) Bytes(off, n uint64) ([]byte, error) {
	if err := p.check(off, n); err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	data, err := p.space.mem.Read(p.addr+off, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, data)
	return out, nil
}

// SetBytes writes b at off.
func (p Pointer) SetBytes(off uint64, b []byte) error {
	if err := p.check(off, uint64(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return p.space.mem.Write(p.addr+off, b)
}

// Zero clears n bytes at off.
func (p Pointer) Zero(off, n uint64) error {
	return p.SetBytes(off, make([]byte, n))
}

// Word reads an unsigned little-endian integer of size 1, 2, 4 or 8 bytes.
func (p Pointer) Word(off, size uint64) (uint64, error) {
	if err := p.check(off, size); err != nil {
		return 0, err
	}
	m := p.space.mem
	addr := p.addr + off
	switch size {
	case 1:
		v, err := m.ReadU8(addr)
		return uint64(v), err
	case 2:
		v, err := m.ReadU16(addr)
		return uint64(v), err
	case 4:
		v, err := m.ReadU32(addr)
		return uint64(v), err
	case 8:
		return m.ReadU64(addr)
	}
	return 0, errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("invalid word size %d", size))
}

// SetWord writes the low size bytes of v at off.
func (p Pointer) SetWord(off, size, v uint64) error {
	if err := p.check(off, size); err != nil {
		return err
	}
	m := p.space.mem
	addr := p.addr + off
	switch size {
	case 1:
		return m.WriteU8(addr, uint8(v))
	case 2:
		return m.WriteU16(addr, uint16(v))
	case 4:
		return m.WriteU32(addr, uint32(v))
	case 8:
		return m.WriteU64(addr, v)
	}
	return errors.InvalidInput(errors.PhaseMemory, fmt.Sprintf("invalid word size %d", size))
}

func (p Pointer) Uint8(off uint64) (uint8, error) {
	v, err := p.Word(off, 1)
	return uint8(v), err
}

func (p Pointer) Int8(off uint64) (int8, error) {
	v, err := p.Word(off, 1)
	return int8(v), err
}

func (p Pointer) Uint16(off uint64) (uint16, error) {
	v, err := p.Word(off, 2)
	return uint16(v), err
}

func (p Pointer) Int16(off uint64) (int16, error) {
	v, err := p.Word(off, 2)
	return int16(v), err
}

func (p Pointer) Uint32(off uint64) (uint32, error) {
	v, err := p.Word(off, 4)
	return uint32(v), err
}

func (p Pointer) Int32(off uint64) (int32, error) {
	v, err := p.Word(off, 4)
	return int32(v), err
}

func (p Pointer) Uint64(off uint64) (uint64, error) {
	return p.Word(off, 8)
}

func (p Pointer) Int64(off uint64) (int64, error) {
	v, err := p.Word(off, 8)
	return int64(v), err
}

func (p Pointer) Float32(off uint64) (float32, error) {
	v, err := p.Word(off, 4)
	return math.Float32frombits(uint32(v)), err
}

func (p Pointer) Float64(off uint64) (float64, error) {
	v, err := p.Word(off, 8)
	return math.Float64frombits(v), err
}

func (p Pointer) SetUint8(off uint64, v uint8) error   { return p.SetWord(off, 1, uint64(v)) }
func (p Pointer) SetInt8(off uint64, v int8) error     { return p.SetWord(off, 1, uint64(v)) }
func (p Pointer) SetUint16(off uint64, v uint16) error { return p.SetWord(off, 2, uint64(v)) }
func (p Pointer) SetInt16(off uint64, v int16) error   { return p.SetWord(off, 2, uint64(v)) }
func (p Pointer) SetUint32(off uint64, v uint32) error { return p.SetWord(off, 4, uint64(v)) }
func (p Pointer) SetInt32(off uint64, v int32) error   { return p.SetWord(off, 4, uint64(v)) }
func (p Pointer) SetUint64(off uint64, v uint64) error { return p.SetWord(off, 8, v) }
func (p Pointer) SetInt64(off uint64, v int64) error   { return p.SetWord(off, 8, uint64(v)) }

func (p Pointer) SetFloat32(off uint64, v float32) error {
	return p.SetWord(off, 4, uint64(math.Float32bits(v)))
}

func (p Pointer) SetFloat64(off uint64, v float64) error {
	return p.SetWord(off, 8, math.Float64bits(v))
}

// Pointer reads a pointer-sized address at off. The result is unbounded.
func (p Pointer) Pointer(off uint64) (Pointer, error) {
	if p.space == nil {
		return Null, errors.NotInitialized(errors.PhaseMemory, "address space")
	}
	v, err := p.Word(off, p.space.platform.PointerSize)
	if err != nil {
		return Null, err
	}
	if v == 0 {
		return Null, nil
	}
	return p.space.At(v), nil
}

// SetPointer writes the address of v at off.
func (p Pointer) SetPointer(off uint64, v Pointer) error {
	if p.space == nil {
		return errors.NotInitialized(errors.PhaseMemory, "address space")
	}
	return p.SetWord(off, p.space.platform.PointerSize, v.addr)
}

// GetString decodes the NUL-terminated string at off using cs. A nil cs
// selects charset.Default().
func (p Pointer) GetString(off uint64, cs charset.Charset) (string, error) {
	if cs == nil {
		cs = charset.Default()
	}
	raw, err := p.terminated(off, uint64(cs.UnitSize()))
	if err != nil {
		return "", err
	}
	return cs.Decode(raw)
}

// SetString encodes s with cs and writes it with a terminator at off.
func (p Pointer) SetString(off uint64, s string, cs charset.Charset) error {
	if cs == nil {
		cs = charset.Default()
	}
	data, err := cs.Encode(s)
	if err != nil {
		return errors.Wrap(errors.PhaseEncode, errors.KindInvalidData, err, "encode string")
	}
	data = append(data, make([]byte, cs.UnitSize())...)
	return p.SetBytes(off, data)
}

const (
	scanChunk = 256
	pageSize  = 4096
)

// terminated returns the bytes at off up to, not including, the first
// all-zero code unit of the given width.
func (p Pointer) terminated(off, unit uint64) ([]byte, error) {
	if err := p.check(off, 0); err != nil {
		return nil, err
	}
	limit := uint64(MaxStringSize)
	if p.bounded {
		limit = p.size - off
	}
	zero := make([]byte, unit)

	var out []byte
	pos := uint64(0)
	for pos+unit <= limit {
		// stay within the current page
		start := p.addr + off + pos
		n := pageSize - start%pageSize
		if n > scanChunk {
			n = scanChunk
		}
		if n < unit {
			n = unit
		}
		if pos+n > limit {
			n = limit - pos
		}
		n -= n % unit
		chunk, err := p.space.mem.Read(start, n)
		if err != nil {
			chunk, err = p.space.mem.Read(start, unit)
			if err != nil {
				return nil, err
			}
		}
		for i := uint64(0); i+unit <= uint64(len(chunk)); i += unit {
			if bytes.Equal(chunk[i:i+unit], zero) {
				return append(out, chunk[:i]...), nil
			}
		}
		out = append(out, chunk...)
		pos += uint64(len(chunk))
	}
	return nil, errors.New(errors.PhaseDecode, errors.KindOutOfBounds).
		Detail("no string terminator within %d bytes", limit).
		Build()
}

// Dump returns a hex dump of n bytes at the pointer for diagnostics.
func (p Pointer) Dump(n uint64) (string, error) {
	data, err := p.Bytes(0, n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\n%s", p, hex.Dump(data)), nil
}

func (p Pointer) String() string {
	if p.addr == 0 {
		return "NULL"
	}
	if p.bounded {
		return fmt.Sprintf("native@%#x[%d]", p.addr, p.size)
	}
	return fmt.Sprintf("native@%#x", p.addr)
}
