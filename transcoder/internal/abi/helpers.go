package abi

import (
	"math"
	"reflect"
)

const (
	MaxArrayLength = 1 << 27 // 128M elements
	MaxAlloc       = 1 << 30 // 1 GB max single allocation
)

func SafeMul(a, b uint64) (uint64, bool) {
	if b != 0 && a > math.MaxUint64/b {
		return 0, false
	}
	return a * b, true
}

func SafeAdd(a, b uint64) (uint64, bool) {
	if a > math.MaxUint64-b {
		return 0, false
	}
	return a + b, true
}

// TypeName returns "nil" for nil values, avoiding reflect.TypeOf(nil) panic.
func TypeName(value any) string {
	if value == nil {
		return "nil"
	}
	return reflect.TypeOf(value).String()
}

// Truncate keeps the low size bytes of w.
func Truncate(w, size uint64) uint64 {
	if size >= 8 {
		return w
	}
	return w & (1<<(size*8) - 1)
}

// SignExtend widens the low size bytes of w as a two's complement value.
func SignExtend(w, size uint64) uint64 {
	if size >= 8 {
		return w
	}
	shift := 64 - size*8
	return uint64(int64(w<<shift) >> shift)
}
