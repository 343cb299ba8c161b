package engine

import (
	"errors"
	"testing"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/device/emulator"
	"github.com/23skdu/longbow-kvcache/internal/registry"
)

func newTestEngine(t *testing.T) (*Engine, *emulator.Emulator) {
	t.Helper()
	emu := emulator.New(0)
	e, err := New(registry.New(emu), config.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, emu
}

// upload copies vals to a new tensor of dt on emu.
func upload(t *testing.T, emu *emulator.Emulator, dt device.DType, vals []float32, shape ...int) *device.Array {
	t.Helper()
	a, err := emu.FromFloat32(dt, vals, shape...)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return a
}

func uploadInt64(t *testing.T, emu *emulator.Emulator, vals []int64, shape ...int) *device.Array {
	t.Helper()
	a, err := emu.FromInt64(vals, shape...)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return a
}

func zeros(t *testing.T, emu *emulator.Emulator, dt device.DType, shape ...int) *device.Array {
	t.Helper()
	a, err := emu.Zeros(dt, shape...)
	if err != nil {
		t.Fatalf("zeros: %v", err)
	}
	return a
}

func download(t *testing.T, emu *emulator.Emulator, a device.Tensor) []float32 {
	t.Helper()
	vals, err := emu.ToFloat32(a)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	return vals
}

func downloadBytes(t *testing.T, emu *emulator.Emulator, a device.Tensor) []byte {
	t.Helper()
	b, err := emu.Bytes(a)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	return b
}

// pattern returns n values exactly representable in every cache dtype.
func pattern(n, seed int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32((i*7+seed*13)%199) - 99
	}
	return out
}

// hostCopy returns a host tensor holding vals as dt.
func hostCopy(dt device.DType, vals []float32, shape ...int) *device.Array {
	return device.NewHostArray(dt, device.EncodeFloat32(dt, vals), shape...)
}

// expectValidation asserts err is a *ValidationError of kind naming arg.
func expectValidation(t *testing.T, err error, kind error, arg string) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("err = %v, want %v", err, kind)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %T, want *ValidationError", err)
	}
	if arg != "" && ve.Arg != arg && ve.Other != arg {
		t.Errorf("error names %q/%q, want %q: %v", ve.Arg, ve.Other, arg, err)
	}
}

// expectUntouched asserts that no kernel was loaded or launched.
func expectUntouched(t *testing.T, emu *emulator.Emulator, launches int64) {
	t.Helper()
	if got := emu.Launches(); got != launches {
		t.Errorf("launches = %d, want %d", got, launches)
	}
}
