package abi

import (
	"math"
	"testing"
)

func TestCoerceToInt64(t *testing.T) {
	tests := []struct {
		input  any
		name   string
		want   int64
		wantOK bool
	}{
		{int64(math.MinInt64), "int64 min", math.MinInt64, true},
		{int8(-3), "int8", -3, true},
		{uint32(math.MaxUint32), "uint32 max", math.MaxUint32, true},
		{uint64(math.MaxUint64), "uint64 too large", 0, false},
		{float64(42), "float64 integral", 42, true},
		{float64(3.5), "float64 fractional", 0, false},
		{true, "bool", 1, true},
		{"7", "string", 0, false},
		{nil, "nil", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CoerceToInt64(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("CoerceToInt64(%v) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("CoerceToInt64(%v) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestCoerceToUint64(t *testing.T) {
	tests := []struct {
		input  any
		name   string
		want   uint64
		wantOK bool
	}{
		{uint64(math.MaxUint64), "uint64 max", math.MaxUint64, true},
		{int32(-1), "int32 negative", 0, false},
		{int(5), "int", 5, true},
		{float32(8), "float32", 8, true},
		{float64(-1), "float64 negative", 0, false},
		{false, "bool", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CoerceToUint64(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("CoerceToUint64(%v) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got != tt.want {
				t.Errorf("CoerceToUint64(%v) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestCoerceToFloat64(t *testing.T) {
	if got, ok := CoerceToFloat64(float32(1.5)); !ok || got != 1.5 {
		t.Errorf("float32 = %v, %v", got, ok)
	}
	if got, ok := CoerceToFloat64(int16(-2)); !ok || got != -2 {
		t.Errorf("int16 = %v, %v", got, ok)
	}
	if _, ok := CoerceToFloat64(true); ok {
		t.Error("bool should not coerce to float")
	}
}
