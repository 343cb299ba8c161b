package emulator

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/device"
)

// Zeros allocates a zero-filled contiguous tensor.
func (e *Emulator) Zeros(dt device.DType, shape ...int) (*device.Array, error) {
	return device.Alloc(e, dt, shape...)
}

// FromBytes uploads raw element bytes into a new contiguous tensor.
func (e *Emulator) FromBytes(dt device.DType, b []byte, shape ...int) (*device.Array, error) {
	if want := device.NumElements(shape) * dt.Size(); len(b) != want {
		return nil, fmt.Errorf("emulator: %d bytes for shape %v of %v, want %d", len(b), shape, dt, want)
	}
	t, err := e.Zeros(dt, shape...)
	if err != nil {
		return nil, err
	}
	p, err := device.ResolveDevicePointer(t)
	if err != nil {
		return nil, err
	}
	if err := e.Write(p, b); err != nil {
		return nil, err
	}
	return t, nil
}

// FromFloat32 uploads vals converted to dt.
func (e *Emulator) FromFloat32(dt device.DType, vals []float32, shape ...int) (*device.Array, error) {
	return e.FromBytes(dt, device.EncodeFloat32(dt, vals), shape...)
}

// FromInt64 uploads vals as an I64 tensor.
func (e *Emulator) FromInt64(vals []int64, shape ...int) (*device.Array, error) {
	return e.FromBytes(device.DTypeI64, device.EncodeInt64(vals), shape...)
}

// Bytes downloads the elements of a contiguous tensor.
func (e *Emulator) Bytes(t device.Tensor) ([]byte, error) {
	if !device.IsContiguous(t) {
		return nil, fmt.Errorf("emulator: download of non-contiguous tensor")
	}
	p, err := device.ResolveDevicePointer(t)
	if err != nil {
		return nil, err
	}
	return e.Read(p, device.NumElements(t.Shape())*t.DType().Size())
}

// ToFloat32 downloads a contiguous tensor converted to float32.
func (e *Emulator) ToFloat32(t device.Tensor) ([]float32, error) {
	b, err := e.Bytes(t)
	if err != nil {
		return nil, err
	}
	return device.DecodeFloat32(t.DType(), b), nil
}
