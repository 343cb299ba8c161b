package device

import "fmt"

// Dim3 is a grid or work-group extent.
type Dim3 struct {
	X, Y, Z uint32
}

func (d Dim3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", d.X, d.Y, d.Z)
}

// LaunchConfig is the launch geometry of one kernel dispatch.
type LaunchConfig struct {
	Grid           Dim3
	Block          Dim3
	SharedMemBytes uint32
}

// Function is a loaded kernel entry point. Arguments are DevicePointer,
// int32, int64 or float32 values, in the order the kernel declares them.
type Function interface {
	Name() string
	Launch(s Stream, cfg LaunchConfig, args ...any) error
}

// Stream is an in-order execution queue on one device. Methods suffixed
// Async return before the work completes.
type Stream interface {
	Device() Device
	CopyDtoDAsync(dst, src DevicePointer, n int) error
	CopyHtoDAsync(dst DevicePointer, src []byte) error
	// CopyHtoD returns once src has been written to dst.
	CopyHtoD(dst DevicePointer, src []byte) error
	// AllocAsync and FreeAsync manage stream-ordered scratch memory.
	AllocAsync(n int) (DevicePointer, error)
	FreeAsync(p DevicePointer) error
	Synchronize() error
}

// Backend is the runtime for one accelerator.
type Backend interface {
	Device() Device
	// LoadFunction compiles source if needed and returns the exported entry point.
	LoadFunction(source, entry string) (Function, error)
	// Stream returns the device's default execution stream.
	Stream() (Stream, error)
	Alloc(n int) (Storage, error)
	Free(s Storage) error
}

// Alloc allocates a zeroed contiguous tensor on b.
func Alloc(b Backend, dtype DType, shape ...int) (*Array, error) {
	s, err := b.Alloc(NumElements(shape) * dtype.Size())
	if err != nil {
		return nil, err
	}
	return NewArray(s, dtype, shape...), nil
}
