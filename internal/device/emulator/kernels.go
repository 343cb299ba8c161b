package emulator

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
)

type kernelFunc func(f *function, cfg device.LaunchConfig, args []any) error

type function struct {
	emu     *Emulator
	name    string
	variant string
	dtype   device.DType
	run     kernelFunc
	nargs   int
}

func bind(e *Emulator, fam kernels.Source, entry string) (*function, error) {
	rest := strings.TrimPrefix(entry, fam.Name)
	i := strings.LastIndex(rest, "_")
	if i < 0 {
		return nil, fmt.Errorf("emulator: malformed entry point %q", entry)
	}
	dt, err := device.ParseDType(rest[i+1:])
	if err != nil {
		return nil, fmt.Errorf("emulator: entry point %q: %w", entry, err)
	}
	f := &function{emu: e, name: entry, variant: rest[:i], dtype: dt}

	switch fam.Name {
	case kernels.ReshapeAndCache.Name:
		f.run, f.nargs = reshapeAndCache, 11
	case kernels.CopyBlocks.Name:
		f.run, f.nargs = copyBlocks, 4
	case kernels.RotaryEmbedding.Name:
		f.run, f.nargs = rotaryEmbedding, 10
	default:
		return nil, fmt.Errorf("emulator: no host implementation for kernel family %q", fam.Name)
	}
	return f, nil
}

func (f *function) Name() string { return f.name }

func (f *function) Launch(s device.Stream, cfg device.LaunchConfig, args ...any) error {
	if s.Device() != f.emu.dev {
		return fmt.Errorf("emulator: %s loaded on %v launched on stream of %v", f.name, f.emu.dev, s.Device())
	}
	if err := f.emu.fault(FaultLaunch); err != nil {
		return err
	}
	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("emulator: %s: %w", f.name, err)
	}
	if len(args) != f.nargs {
		return fmt.Errorf("emulator: %s takes %d arguments, got %d", f.name, f.nargs, len(args))
	}
	if err := f.run(f, cfg, args); err != nil {
		return fmt.Errorf("emulator: %s: %w", f.name, err)
	}
	f.emu.launches.Add(1)
	return nil
}

func validateConfig(cfg device.LaunchConfig) error {
	g, b := cfg.Grid, cfg.Block
	if g.X == 0 || g.Y == 0 || g.Z == 0 {
		return fmt.Errorf("invalid grid %v", g)
	}
	if b.X == 0 || b.Y == 0 || b.Z == 0 || b.X*b.Y*b.Z > MaxThreadsPerBlock {
		return fmt.Errorf("invalid block %v", b)
	}
	return nil
}

func ptrArg(args []any, i int) (device.DevicePointer, error) {
	p, ok := args[i].(device.DevicePointer)
	if !ok {
		return device.DevicePointer{}, fmt.Errorf("argument %d: want device pointer, got %T", i, args[i])
	}
	return p, nil
}

func intArg(args []any, i int) (int64, error) {
	switch v := args[i].(type) {
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	}
	return 0, fmt.Errorf("argument %d: want integer, got %T", i, args[i])
}

func intArgs(args []any, from int) ([]int64, error) {
	out := make([]int64, 0, len(args)-from)
	for i := from; i < len(args); i++ {
		v, err := intArg(args, i)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// elems is a bounds-checked element view of device memory.
type elems struct {
	name string
	mem  []byte
	size int64
}

func (e *Emulator) elems(name string, p device.DevicePointer, dt device.DType) (elems, error) {
	mem, err := e.region(p)
	if err != nil {
		return elems{}, fmt.Errorf("%s: %w", name, err)
	}
	return elems{name: name, mem: mem, size: int64(dt.Size())}, nil
}

func (e *Emulator) elemsAt(name string, addr int64, dt device.DType) (elems, error) {
	mem, err := e.memory(uintptr(addr))
	if err != nil {
		return elems{}, fmt.Errorf("%s: %w", name, err)
	}
	return elems{name: name, mem: mem, size: int64(dt.Size())}, nil
}

func (v elems) at(i int64) ([]byte, error) {
	off := i * v.size
	if i < 0 || off+v.size > int64(len(v.mem)) {
		return nil, fmt.Errorf("%w: %s[%d] outside %d elements", ErrInvalidAddress, v.name, i, int64(len(v.mem))/v.size)
	}
	return v.mem[off : off+v.size], nil
}

func (v elems) int64At(i int64) (int64, error) {
	b, err := v.at(i)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

// move copies one element from src[j] to dst[i].
func move(dst elems, i int64, src elems, j int64) error {
	to, err := dst.at(i)
	if err != nil {
		return err
	}
	from, err := src.at(j)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func reshapeAndCache(f *function, cfg device.LaunchConfig, args []any) error {
	e, dt := f.emu, f.dtype
	names := []string{"key", "value", "key_cache", "value_cache"}
	views := make([]elems, len(names))
	for i, name := range names {
		p, err := ptrArg(args, i)
		if err != nil {
			return err
		}
		if views[i], err = e.elems(name, p, dt); err != nil {
			return err
		}
	}
	key, value, keyCache, valueCache := views[0], views[1], views[2], views[3]

	sp, err := ptrArg(args, 4)
	if err != nil {
		return err
	}
	slots, err := e.elems("slot_mapping", sp, device.DTypeI64)
	if err != nil {
		return err
	}
	ints, err := intArgs(args, 5)
	if err != nil {
		return err
	}
	keyStride, valueStride, numHeads, headSize, blockSize, x := ints[0], ints[1], ints[2], ints[3], ints[4], ints[5]
	if blockSize <= 0 || x <= 0 || headSize <= 0 {
		return fmt.Errorf("block_size=%d head_size=%d x=%d must be positive", blockSize, headSize, x)
	}

	n := numHeads * headSize
	threads := int64(cfg.Block.X)
	for token := int64(0); token < int64(cfg.Grid.X); token++ {
		slot, err := slots.int64At(token)
		if err != nil {
			return err
		}
		if slot < 0 {
			continue
		}
		blockIdx := slot / blockSize
		blockOffset := slot % blockSize

		for tid := int64(0); tid < threads; tid++ {
			for i := tid; i < n; i += threads {
				headIdx := i / headSize
				headOffset := i % headSize
				xIdx := headOffset / x
				xOffset := headOffset % x

				tgtKey := blockIdx*numHeads*(headSize/x)*blockSize*x +
					headIdx*(headSize/x)*blockSize*x +
					xIdx*blockSize*x + blockOffset*x + xOffset
				tgtValue := blockIdx*numHeads*headSize*blockSize +
					headIdx*headSize*blockSize + headOffset*blockSize +
					blockOffset

				if err := move(keyCache, tgtKey, key, token*keyStride+i); err != nil {
					return err
				}
				if err := move(valueCache, tgtValue, value, token*valueStride+i); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func copyBlocks(f *function, cfg device.LaunchConfig, args []any) error {
	e, dt := f.emu, f.dtype
	var tables [3]elems
	for i, name := range []string{"key_cache_ptrs", "value_cache_ptrs", "block_mapping"} {
		p, err := ptrArg(args, i)
		if err != nil {
			return err
		}
		if tables[i], err = e.elems(name, p, device.DTypeI64); err != nil {
			return err
		}
	}
	keyPtrs, valuePtrs, mapping := tables[0], tables[1], tables[2]
	numel, err := intArg(args, 3)
	if err != nil {
		return err
	}

	threads := int64(cfg.Block.X)
	for layer := int64(0); layer < int64(cfg.Grid.X); layer++ {
		caches := make([]elems, 2)
		for i, ptrs := range []elems{keyPtrs, valuePtrs} {
			addr, err := ptrs.int64At(layer)
			if err != nil {
				return err
			}
			if caches[i], err = e.elemsAt(fmt.Sprintf("%s[%d]", ptrs.name, layer), addr, dt); err != nil {
				return err
			}
		}
		for pair := int64(0); pair < int64(cfg.Grid.Y); pair++ {
			src, err := mapping.int64At(2 * pair)
			if err != nil {
				return err
			}
			dst, err := mapping.int64At(2*pair + 1)
			if err != nil {
				return err
			}
			for _, cache := range caches {
				for tid := int64(0); tid < threads; tid++ {
					for i := tid; i < numel; i += threads {
						if err := move(cache, dst*numel+i, cache, src*numel+i); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

func rotaryEmbedding(f *function, cfg device.LaunchConfig, args []any) error {
	e, dt := f.emu, f.dtype
	neox := f.variant == kernels.VariantNeox

	pp, err := ptrArg(args, 0)
	if err != nil {
		return err
	}
	positions, err := e.elems("positions", pp, device.DTypeI64)
	if err != nil {
		return err
	}
	var views [3]elems
	for i, name := range []string{"query", "key", "cos_sin_cache"} {
		p, err := ptrArg(args, i+1)
		if err != nil {
			return err
		}
		if views[i], err = e.elems(name, p, dt); err != nil {
			return err
		}
	}
	query, key, cache := views[0], views[1], views[2]

	ints, err := intArgs(args, 4)
	if err != nil {
		return err
	}
	rotDim, queryStride, keyStride, numHeads, numKVHeads, headSize := ints[0], ints[1], ints[2], ints[3], ints[4], ints[5]
	embedDim := rotDim / 2
	if embedDim <= 0 {
		return fmt.Errorf("rot_dim=%d must be at least 2", rotDim)
	}

	rotate := func(arr elems, base, rotOffset, cacheBase int64) error {
		var xi, yi, ci int64
		if neox {
			xi, yi, ci = rotOffset, embedDim+rotOffset, rotOffset
		} else {
			xi, yi, ci = 2*rotOffset, 2*rotOffset+1, rotOffset
		}
		cb, err := cache.at(cacheBase + ci)
		if err != nil {
			return err
		}
		sb, err := cache.at(cacheBase + embedDim + ci)
		if err != nil {
			return err
		}
		xb, err := arr.at(base + xi)
		if err != nil {
			return err
		}
		yb, err := arr.at(base + yi)
		if err != nil {
			return err
		}
		cos, sin := device.Float32At(dt, cb), device.Float32At(dt, sb)
		x, y := device.Float32At(dt, xb), device.Float32At(dt, yb)
		device.PutFloat32(dt, xb, x*cos-y*sin)
		device.PutFloat32(dt, yb, y*cos+x*sin)
		return nil
	}

	threads := int64(cfg.Block.X)
	for token := int64(0); token < int64(cfg.Grid.X); token++ {
		pos, err := positions.int64At(token)
		if err != nil {
			return err
		}
		cacheBase := pos * rotDim

		for _, target := range []struct {
			arr    elems
			stride int64
			heads  int64
		}{{query, queryStride, numHeads}, {key, keyStride, numKVHeads}} {
			n := target.heads * embedDim
			for tid := int64(0); tid < threads; tid++ {
				for i := tid; i < n; i += threads {
					headIdx := i / embedDim
					base := token*target.stride + headIdx*headSize
					if err := rotate(target.arr, base, i%embedDim, cacheBase); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}
