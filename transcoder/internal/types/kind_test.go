package types //nolint:revive // package name is used by internal consumers

import "testing"

func TestKindString(t *testing.T) {
	tests := []struct {
		want string
		kind Kind
	}{
		{"bool", KindBool},
		{"s8", KindS8},
		{"u64", KindU64},
		{"f32", KindF32},
		{"pointer", KindPointer},
		{"wstring", KindWString},
		{"struct", KindStruct},
		{"union", KindUnion},
		{"struct_ref", KindStructRef},
		{"callback", KindCallback},
		{"object", KindObject},
		{"unknown", Kind(255)},
	}

	for _, tc := range tests {
		t.Run(tc.want, func(t *testing.T) {
			if got := tc.kind.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindClasses(t *testing.T) {
	for k := KindBool; k <= KindF64; k++ {
		if !k.IsScalar() {
			t.Errorf("%s should be scalar", k)
		}
		if k.IsReference() {
			t.Errorf("%s should not be a reference", k)
		}
	}
	for _, k := range []Kind{KindString, KindStructRef, KindSlice, KindCallback} {
		if k.IsScalar() || !k.IsReference() {
			t.Errorf("%s should be a reference", k)
		}
	}
	for _, k := range []Kind{KindStruct, KindUnion, KindArray} {
		if !k.IsAggregate() {
			t.Errorf("%s should be an aggregate", k)
		}
	}
	if !KindS16.IsSigned() || KindU16.IsSigned() {
		t.Error("signedness wrong")
	}
	if !KindF64.IsFloat() || KindS64.IsFloat() {
		t.Error("float classification wrong")
	}
}

func TestScalarKind(t *testing.T) {
	tests := []struct {
		size   uint64
		signed bool
		want   Kind
	}{
		{1, true, KindS8},
		{1, false, KindU8},
		{2, true, KindS16},
		{4, false, KindU32},
		{8, true, KindS64},
		{8, false, KindU64},
	}
	for _, tc := range tests {
		if got := ScalarKind(tc.size, tc.signed); got != tc.want {
			t.Errorf("ScalarKind(%d, %v) = %s, want %s", tc.size, tc.signed, got, tc.want)
		}
	}
}
