//go:build linux && cuda

package cuda

import (
	"bytes"
	"testing"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/device/emulator"
	"github.com/23skdu/longbow-kvcache/internal/engine"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/registry"
)

func openGPU(t *testing.T) *Backend {
	t.Helper()
	n, err := DeviceCount()
	if err != nil || n == 0 {
		t.Skipf("no CUDA device: %v", err)
	}
	b, err := New(0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func upload(t *testing.T, b device.Backend, dt device.DType, data []byte, shape ...int) *device.Array {
	t.Helper()
	a, err := device.Alloc(b, dt, shape...)
	if err != nil {
		t.Fatal(err)
	}
	p, _ := device.ResolveDevicePointer(a)
	s, _ := b.Stream()
	if err := s.CopyHtoD(p, data); err != nil {
		t.Fatal(err)
	}
	return a
}

func TestCompileEveryEntryPoint(t *testing.T) {
	b := openGPU(t)
	for _, src := range kernels.All() {
		for _, entry := range src.Entries() {
			fn, err := b.LoadFunction(src.Text, entry)
			if err != nil {
				t.Fatalf("%s: %v", entry, err)
			}
			if fn.Name() != entry {
				t.Errorf("name = %q, want %q", fn.Name(), entry)
			}
		}
	}
	// both sources, compiled once each
	if len(b.modules) != 2 {
		t.Errorf("modules = %d, want 2", len(b.modules))
	}
	if _, err := b.LoadFunction(kernels.CopyBlocks.Text, "missing_kernel_f32"); err == nil {
		t.Error("loaded an entry point the source does not export")
	}
}

// The GPU and the emulator must leave identical bytes in the caches.
func TestReshapeAndCopyMatchEmulator(t *testing.T) {
	gpu := openGPU(t)
	emu := emulator.New(0)
	layout := engine.Layout{NumBlocks: 6, NumHeads: 4, HeadSize: 64, BlockSize: 16, X: 8, DType: device.DTypeF16}

	const tokens = 37
	vals := make([]float32, tokens*layout.NumHeads*layout.HeadSize)
	for i := range vals {
		vals[i] = float32(i%97) / 13
	}
	kv := device.EncodeFloat32(layout.DType, vals)
	slots := make([]int64, tokens)
	for i := range slots {
		slots[i] = int64(16 + i)
	}
	slots[5] = -1

	var caches [2][]byte
	for i, b := range []interface {
		device.Backend
		Read(device.DevicePointer, int) ([]byte, error)
	}{gpu, emu} {
		eng, err := engine.New(registry.New(b), config.Default())
		if err != nil {
			t.Fatal(err)
		}
		c, err := engine.NewPagedCache(b, layout, 2)
		if err != nil {
			t.Fatal(err)
		}
		key := upload(t, b, layout.DType, kv, tokens, layout.NumHeads, layout.HeadSize)
		value := upload(t, b, layout.DType, kv, tokens, layout.NumHeads, layout.HeadSize)
		slotMapping := upload(t, b, device.DTypeI64, device.EncodeInt64(slots), tokens)

		for layer := 0; layer < 2; layer++ {
			if err := eng.ReshapeAndCache(key, value, c.KeyCache(layer), c.ValueCache(layer), slotMapping); err != nil {
				t.Fatal(err)
			}
		}
		if err := eng.CopyBlocks(c.KeyCaches(), c.ValueCaches(), map[int][]int{1: {4, 5}, 2: {0}}); err != nil {
			t.Fatal(err)
		}
		if err := eng.SwapBlocks(c.ValueCache(1), c.ValueCache(1), map[int]int{3: 1}); err != nil {
			t.Fatal(err)
		}
		for _, cache := range append(c.KeyCaches(), c.ValueCaches()...) {
			p, _ := device.ResolveDevicePointer(cache)
			data, err := b.Read(p, p.Len())
			if err != nil {
				t.Fatal(err)
			}
			caches[i] = append(caches[i], data...)
		}
		c.Close()
	}
	if !bytes.Equal(caches[0], caches[1]) {
		t.Error("GPU and emulator caches differ")
	}
}
