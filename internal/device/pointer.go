package device

import (
	"errors"
	"fmt"
)

// ErrNotDeviceResident is returned when a tensor is expected on an
// accelerator but lives in host memory.
var ErrNotDeviceResident = errors.New("tensor is not device resident")

// ErrPointerRange is returned by DevicePointer arithmetic that leaves the allocation.
var ErrPointerRange = errors.New("device pointer out of range")

// PlacementError reports a tensor that is not where it has to be.
type PlacementError struct {
	Device Device
	Reason string
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("tensor on %v: %s", e.Device, e.Reason)
}

func (e *PlacementError) Unwrap() error { return ErrNotDeviceResident }

// DevicePointer is a raw device address together with the number of bytes
// that may be accessed from it. All offset arithmetic goes through Add and
// Slice, which refuse to leave the region.
type DevicePointer struct {
	addr uintptr
	len  int
	dev  Device
}

// NewDevicePointer is used by backends to describe memory they own.
func NewDevicePointer(addr uintptr, n int, dev Device) DevicePointer {
	return DevicePointer{addr: addr, len: n, dev: dev}
}

func (p DevicePointer) Addr() uintptr  { return p.addr }
func (p DevicePointer) Len() int       { return p.len }
func (p DevicePointer) Device() Device { return p.dev }
func (p DevicePointer) IsNil() bool    { return p.addr == 0 }

func (p DevicePointer) String() string {
	return fmt.Sprintf("%v@%#x+%d", p.dev, p.addr, p.len)
}

// Add advances p by off bytes.
func (p DevicePointer) Add(off int) (DevicePointer, error) {
	if off < 0 || off > p.len {
		return DevicePointer{}, fmt.Errorf("%w: offset %d in region of %d bytes", ErrPointerRange, off, p.len)
	}
	return DevicePointer{addr: p.addr + uintptr(off), len: p.len - off, dev: p.dev}, nil
}

// Slice returns the n-byte region starting off bytes into p.
func (p DevicePointer) Slice(off, n int) (DevicePointer, error) {
	if off < 0 || n < 0 || off+n > p.len {
		return DevicePointer{}, fmt.Errorf("%w: [%d, %d) in region of %d bytes", ErrPointerRange, off, off+n, p.len)
	}
	return DevicePointer{addr: p.addr + uintptr(off), len: n, dev: p.dev}, nil
}

// ResolveDevicePointer returns the address of the first element of t:
// the storage base address plus the start offset in bytes.
func ResolveDevicePointer(t Tensor) (DevicePointer, error) {
	s := t.Storage()
	if !t.Device().IsAccelerator() || !s.Device().IsAccelerator() {
		return DevicePointer{}, &PlacementError{Device: t.Device(), Reason: "expected accelerator memory"}
	}
	base := NewDevicePointer(s.Address(), s.Len(), s.Device())
	if base.IsNil() {
		return DevicePointer{}, &PlacementError{Device: t.Device(), Reason: "storage has no device address"}
	}
	return base.Add(ByteOffset(t))
}
