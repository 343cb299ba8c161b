package device

import (
	"slices"
	"testing"
)

func TestContiguity(t *testing.T) {
	s := NewHostStorage(make([]byte, 4*64))

	tests := []struct {
		name string
		a    *Array
		want bool
	}{
		{"row major", NewArray(s, DTypeF32, 4, 4, 4), true},
		{"unit dims ignore stride", NewStridedArray(s, DTypeF32, 0, []int{1, 8}, []int{99, 1}), true},
		{"gap between rows", NewStridedArray(s, DTypeF32, 0, []int{4, 8}, []int{16, 1}), false},
		{"transposed", NewStridedArray(s, DTypeF32, 0, []int{4, 8}, []int{1, 4}), false},
	}
	for _, tt := range tests {
		if got := IsContiguous(tt.a); got != tt.want {
			t.Errorf("%s: IsContiguous = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNarrow(t *testing.T) {
	a := NewHostArray(DTypeF16, make([]byte, 2*6*4), 6, 4)
	v, err := a.Narrow(2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(v.Shape(), []int{3, 4}) || v.StartOffset() != 8 || ByteOffset(v) != 16 {
		t.Errorf("view = %v offset %d", v.Shape(), v.StartOffset())
	}
	if !IsContiguous(v) {
		t.Error("narrowed row-major view should stay contiguous")
	}

	vv, err := v.Narrow(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if vv.StartOffset() != 12 {
		t.Errorf("nested narrow offset = %d, want 12", vv.StartOffset())
	}

	if _, err := a.Narrow(5, 2); err == nil {
		t.Error("Narrow past the end succeeded")
	}
	if _, err := NewHostArray(DTypeF32, nil).Narrow(0, 0); err == nil {
		t.Error("Narrow of a scalar succeeded")
	}
}

func TestNumElements(t *testing.T) {
	if NumElements(nil) != 1 || NumElements([]int{3, 0, 2}) != 0 || NumElements([]int{2, 3, 4}) != 24 {
		t.Error("NumElements wrong")
	}
	if !slices.Equal(ContiguousStrides([]int{2, 3, 4}), []int{12, 4, 1}) {
		t.Errorf("strides = %v", ContiguousStrides([]int{2, 3, 4}))
	}
}

func TestDeviceIdentity(t *testing.T) {
	if CUDA(0) == CUDA(1) || CUDA(0) == Emulated(0) {
		t.Error("distinct devices compare equal")
	}
	if !Host.IsHost() || Host.IsAccelerator() || !CUDA(2).IsAccelerator() {
		t.Error("placement classes wrong")
	}
	if CUDA(3).String() != "cuda:3" || Host.String() != "cpu" || Emulated(1).String() != "emu:1" {
		t.Errorf("names: %v %v %v", CUDA(3), Host, Emulated(1))
	}
}
