package layout

import "github.com/wippyai/ffi-runtime/abi"

// Rule is a concrete alignment rule. Platform defaults are resolved before
// layout is calculated.
type Rule uint8

const (
	None Rule = iota + 1
	GNUC
	MSVC
)

// msvcMaxAlign is the default packing of the Microsoft compilers.
const msvcMaxAlign = 8

// Member is a field's native size and natural alignment.
type Member struct {
	Size  uint64
	Align uint64
}

// Info is a calculated aggregate layout.
type Info struct {
	Offsets []uint64
	Size    uint64
	Align   uint64
}

// MemberAlign returns the alignment a member with the given natural
// alignment receives under rule. maxAlign is the platform's strongest
// alignment for GNUC layouts.
func MemberAlign(natural uint64, rule Rule, maxAlign uint64) uint64 {
	if natural == 0 {
		natural = 1
	}
	switch rule {
	case None:
		return 1
	case MSVC:
		return min(natural, msvcMaxAlign)
	default:
		if maxAlign == 0 {
			return natural
		}
		return min(natural, maxAlign)
	}
}

// Struct lays members out in order. Each member starts at the running offset
// rounded up to its alignment; the total size is rounded up to the largest
// member alignment, except under None where no padding is inserted at all.
func Struct(members []Member, rule Rule, maxAlign uint64) Info {
	info := Info{
		Offsets: make([]uint64, len(members)),
		Align:   1,
	}

	offset := uint64(0)
	for i, m := range members {
		align := MemberAlign(m.Align, rule, maxAlign)
		offset = abi.AlignTo(offset, align)
		info.Offsets[i] = offset
		if align > info.Align {
			info.Align = align
		}
		offset += m.Size
	}

	if rule == None {
		info.Size = offset
		return info
	}
	info.Size = abi.AlignTo(offset, info.Align)
	return info
}

// Union places every member at offset zero. The size is the largest member
// rounded up to the largest alignment.
func Union(members []Member, rule Rule, maxAlign uint64) Info {
	info := Info{
		Offsets: make([]uint64, len(members)),
		Align:   1,
	}

	size := uint64(0)
	for _, m := range members {
		align := MemberAlign(m.Align, rule, maxAlign)
		if align > info.Align {
			info.Align = align
		}
		if m.Size > size {
			size = m.Size
		}
	}

	if rule == None {
		info.Size = size
		return info
	}
	info.Size = abi.AlignTo(size, info.Align)
	return info
}

// Array returns the layout of n consecutive elements.
func Array(elem Member, n uint64) Info {
	align := elem.Align
	if align == 0 {
		align = 1
	}
	return Info{Size: elem.Size * n, Align: align}
}
