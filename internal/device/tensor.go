package device

import "fmt"

// Storage is the allocation a tensor views into.
type Storage interface {
	Device() Device
	// Address is the base device address. It is zero for host storage.
	Address() uintptr
	// Bytes returns the backing memory of host storage and nil otherwise.
	Bytes() []byte
	// Len is the allocation size in bytes.
	Len() int
}

// Tensor is a strided view over a Storage. Strides and the start offset are
// counted in elements.
type Tensor interface {
	Shape() []int
	Stride() []int
	DType() DType
	Device() Device
	Storage() Storage
	StartOffset() int
}

// HostStorage is host memory backed by a Go byte slice.
type HostStorage struct {
	data []byte
}

// NewHostStorage wraps data without copying it.
func NewHostStorage(data []byte) *HostStorage {
	return &HostStorage{data: data}
}

func (s *HostStorage) Device() Device   { return Host }
func (s *HostStorage) Address() uintptr { return 0 }
func (s *HostStorage) Bytes() []byte    { return s.data }
func (s *HostStorage) Len() int         { return len(s.data) }

// Array is the concrete Tensor used throughout the module.
type Array struct {
	storage Storage
	dtype   DType
	shape   []int
	stride  []int
	offset  int
}

// NewArray returns a contiguous row-major view of storage starting at element 0.
func NewArray(storage Storage, dtype DType, shape ...int) *Array {
	return NewStridedArray(storage, dtype, 0, shape, ContiguousStrides(shape))
}

// NewStridedArray returns an arbitrary view of storage.
func NewStridedArray(storage Storage, dtype DType, offset int, shape, stride []int) *Array {
	if len(shape) != len(stride) {
		panic(fmt.Sprintf("device: shape rank %d != stride rank %d", len(shape), len(stride)))
	}
	return &Array{
		storage: storage,
		dtype:   dtype,
		shape:   append([]int(nil), shape...),
		stride:  append([]int(nil), stride...),
		offset:  offset,
	}
}

// NewHostArray copies nothing; data becomes the array's storage.
func NewHostArray(dtype DType, data []byte, shape ...int) *Array {
	return NewArray(NewHostStorage(data), dtype, shape...)
}

func (a *Array) Shape() []int      { return a.shape }
func (a *Array) Stride() []int     { return a.stride }
func (a *Array) DType() DType      { return a.dtype }
func (a *Array) Device() Device    { return a.storage.Device() }
func (a *Array) Storage() Storage  { return a.storage }
func (a *Array) StartOffset() int  { return a.offset }
func (a *Array) String() string    { return fmt.Sprintf("Array(%v, %v, %v)", a.shape, a.dtype, a.Device()) }

// Narrow returns the view of rows [start, start+n) along dim 0.
func (a *Array) Narrow(start, n int) (*Array, error) {
	if len(a.shape) == 0 {
		return nil, fmt.Errorf("narrow: scalar tensor")
	}
	if start < 0 || n < 0 || start+n > a.shape[0] {
		return nil, fmt.Errorf("narrow: range [%d, %d) out of bounds for dim 0 of size %d", start, start+n, a.shape[0])
	}
	shape := append([]int(nil), a.shape...)
	shape[0] = n
	return NewStridedArray(a.storage, a.dtype, a.offset+start*a.stride[0], shape, a.stride), nil
}

// ContiguousStrides returns row-major strides for shape.
func ContiguousStrides(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

// NumElements is the product of shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// IsContiguous reports whether t is laid out row-major without gaps.
func IsContiguous(t Tensor) bool {
	want := ContiguousStrides(t.Shape())
	for i, s := range t.Stride() {
		if t.Shape()[i] > 1 && s != want[i] {
			return false
		}
	}
	return true
}

// ByteOffset is the start offset of t in bytes.
func ByteOffset(t Tensor) int {
	return t.StartOffset() * t.DType().Size()
}
