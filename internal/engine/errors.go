package engine

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/device"
)

// Kinds of contract violation. A ValidationError matches its Kind with errors.Is.
var (
	ErrDTypeMismatch   = errors.New("dtype mismatch")
	ErrDeviceMismatch  = errors.New("device mismatch")
	ErrShapeMismatch   = errors.New("shape mismatch")
	ErrNotAccelerator  = errors.New("not on an accelerator")
	ErrBlockOutOfRange = errors.New("block index out of range")
	ErrMappingConflict = errors.New("conflicting block mapping")
)

var (
	// ErrNotSupported marks a device combination an operation does not implement.
	ErrNotSupported = errors.New("not supported")
	// ErrDevice marks a failure reported by the device runtime.
	ErrDevice = errors.New("device error")
)

// ValidationError reports an argument that violates an operation's contract.
// Other names the argument it was compared against, if any.
type ValidationError struct {
	Op    string
	Arg   string
	Other string
	Kind  error
	Got   string
	Want  string
}

func (e *ValidationError) Error() string {
	if e.Other != "" {
		return fmt.Sprintf("%s: %s: %s %s, %s %s", e.Op, e.Kind, e.Arg, e.Got, e.Other, e.Want)
	}
	return fmt.Sprintf("%s: %s: %s is %s, want %s", e.Op, e.Kind, e.Arg, e.Got, e.Want)
}

func (e *ValidationError) Unwrap() error { return e.Kind }

// UnsupportedError is returned for inputs that are individually valid but
// whose combination the operation does not implement.
type UnsupportedError struct {
	Op     string
	Src    device.Device
	Dst    device.Device
	Reason string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %s", e.Op, e.Src, e.Dst, e.Reason)
}

func (e *UnsupportedError) Unwrap() error { return ErrNotSupported }

// DeviceError wraps a runtime failure (load, launch, copy, allocation).
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() []error { return []error{ErrDevice, e.Err} }

// errorType is the metrics label for a validation failure.
func errorType(err error) string {
	switch {
	case errors.Is(err, ErrDTypeMismatch):
		return "dtype_mismatch"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, ErrNotAccelerator):
		return "not_accelerator"
	case errors.Is(err, ErrBlockOutOfRange):
		return "block_out_of_range"
	case errors.Is(err, ErrMappingConflict):
		return "mapping_conflict"
	case errors.Is(err, ErrNotSupported):
		return "not_supported"
	}
	return "other"
}
