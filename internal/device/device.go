package device

import "fmt"

// Kind is the placement class of a device.
type Kind int

const (
	KindHost Kind = iota
	KindCUDA
	KindEmulated
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "cpu"
	case KindCUDA:
		return "cuda"
	case KindEmulated:
		return "emu"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Device identifies where a tensor lives. Accelerators are told apart by
// ordinal; the host always has ordinal zero.
type Device struct {
	Kind    Kind
	Ordinal int
}

// Host is the CPU device.
var Host = Device{Kind: KindHost}

// CUDA returns the CUDA device with the given ordinal.
func CUDA(ordinal int) Device {
	return Device{Kind: KindCUDA, Ordinal: ordinal}
}

// Emulated returns the emulated accelerator with the given ordinal.
func Emulated(ordinal int) Device {
	return Device{Kind: KindEmulated, Ordinal: ordinal}
}

// IsAccelerator reports whether kernels can be launched on d.
func (d Device) IsAccelerator() bool {
	return d.Kind != KindHost
}

// IsHost reports whether d is host memory.
func (d Device) IsHost() bool {
	return d.Kind == KindHost
}

func (d Device) String() string {
	if d.IsHost() {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
}
