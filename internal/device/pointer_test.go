package device

import (
	"errors"
	"testing"
)

type fakeStorage struct {
	dev  Device
	addr uintptr
	n    int
}

func (s fakeStorage) Device() Device   { return s.dev }
func (s fakeStorage) Address() uintptr { return s.addr }
func (s fakeStorage) Bytes() []byte    { return nil }
func (s fakeStorage) Len() int         { return s.n }

func TestResolveDevicePointer(t *testing.T) {
	s := fakeStorage{dev: CUDA(1), addr: 0x1000, n: 4096}

	tests := []struct {
		name     string
		tensor   Tensor
		wantAddr uintptr
		wantLen  int
	}{
		{"whole storage", NewArray(s, DTypeF32, 1024), 0x1000, 4096},
		{"f16 view", NewStridedArray(s, DTypeF16, 100, []int{10}, []int{1}), 0x1000 + 200, 4096 - 200},
		{"i64 view", NewStridedArray(s, DTypeI64, 3, []int{2}, []int{1}), 0x1000 + 24, 4096 - 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ResolveDevicePointer(tt.tensor)
			if err != nil {
				t.Fatal(err)
			}
			if p.Addr() != tt.wantAddr || p.Len() != tt.wantLen || p.Device() != CUDA(1) {
				t.Errorf("pointer = %v, want %#x+%d on cuda:1", p, tt.wantAddr, tt.wantLen)
			}
		})
	}
}

func TestResolveDevicePointerRejects(t *testing.T) {
	host := NewHostArray(DTypeF32, make([]byte, 16), 4)
	_, err := ResolveDevicePointer(host)
	if !errors.Is(err, ErrNotDeviceResident) {
		t.Errorf("host tensor: err = %v, want ErrNotDeviceResident", err)
	}
	var pe *PlacementError
	if !errors.As(err, &pe) || pe.Device != Host {
		t.Errorf("host tensor: err = %#v", err)
	}

	nilStorage := NewArray(fakeStorage{dev: CUDA(0), n: 16}, DTypeF32, 4)
	if _, err := ResolveDevicePointer(nilStorage); !errors.Is(err, ErrNotDeviceResident) {
		t.Errorf("nil address: err = %v, want ErrNotDeviceResident", err)
	}

	past := NewStridedArray(fakeStorage{dev: CUDA(0), addr: 0x10, n: 16}, DTypeF32, 5, []int{1}, []int{1})
	if _, err := ResolveDevicePointer(past); !errors.Is(err, ErrPointerRange) {
		t.Errorf("offset past the end: err = %v, want ErrPointerRange", err)
	}
}

func TestDevicePointerArithmetic(t *testing.T) {
	p := NewDevicePointer(0x100, 64, Emulated(0))

	q, err := p.Add(16)
	if err != nil || q.Addr() != 0x110 || q.Len() != 48 {
		t.Errorf("Add(16) = %v, %v", q, err)
	}
	if _, err := p.Add(65); !errors.Is(err, ErrPointerRange) {
		t.Errorf("Add(65) err = %v", err)
	}
	if _, err := p.Add(-1); !errors.Is(err, ErrPointerRange) {
		t.Errorf("Add(-1) err = %v", err)
	}

	s, err := p.Slice(8, 8)
	if err != nil || s.Addr() != 0x108 || s.Len() != 8 {
		t.Errorf("Slice(8, 8) = %v, %v", s, err)
	}
	if _, err := p.Slice(60, 8); !errors.Is(err, ErrPointerRange) {
		t.Errorf("Slice(60, 8) err = %v", err)
	}
	if !(DevicePointer{}).IsNil() {
		t.Error("zero pointer is not nil")
	}
}
