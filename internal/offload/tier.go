package offload

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/engine"
	"github.com/23skdu/longbow-kvcache/internal/logger"
)

// Reader copies device memory back to the host. Both accelerator backends
// implement it.
type Reader interface {
	Read(p device.DevicePointer, n int) ([]byte, error)
}

// Swapper moves blocks between cache tensors. *engine.Engine implements it.
type Swapper interface {
	SwapBlocks(srcCache, dstCache device.Tensor, mapping map[int]int) error
}

func blockGeometry(cache device.Tensor) ([]int, int, error) {
	shape := cache.Shape()
	if len(shape) < 2 {
		return nil, 0, fmt.Errorf("offload: cache of rank %d has no block dimension", len(shape))
	}
	if !device.IsContiguous(cache) {
		return nil, 0, fmt.Errorf("offload: cache %v is not contiguous", shape)
	}
	return shape[1:], device.NumElements(shape[1:]) * cache.DType().Size(), nil
}

// Offload reads the physical blocks listed in table out of cache and stores
// them as logical blocks 0..len(table)-1 of (seq, layer, isKey).
func (s *Store) Offload(r Reader, cache device.Tensor, seq, layer int, isKey bool, table []int) error {
	blockShape, blockBytes, err := blockGeometry(cache)
	if err != nil {
		return err
	}
	base, err := device.ResolveDevicePointer(cache)
	if err != nil {
		return fmt.Errorf("offload: %w", err)
	}
	for i, phys := range table {
		if phys < 0 || phys >= cache.Shape()[0] {
			return fmt.Errorf("offload: block %d outside [0, %d)", phys, cache.Shape()[0])
		}
		p, err := base.Slice(phys*blockBytes, blockBytes)
		if err != nil {
			return fmt.Errorf("offload: %w", err)
		}
		data, err := r.Read(p, blockBytes)
		if err != nil {
			return fmt.Errorf("offload: read block %d: %w", phys, err)
		}
		key := BlockKey{Seq: seq, Layer: layer, Block: i, IsKey: isKey}
		if err := s.Put(key, cache.DType(), blockShape, data); err != nil {
			return err
		}
	}
	return nil
}

// Stage gathers logical blocks 0..n-1 of (seq, layer, isKey) into a host
// tensor indexed by logical block, ready to be swapped onto a device.
func (s *Store) Stage(seq, layer int, isKey bool, n int) (*device.Array, error) {
	if n <= 0 {
		return nil, fmt.Errorf("offload: invalid block count %d", n)
	}
	var (
		buf   []byte
		first BlockMeta
	)
	for i := 0; i < n; i++ {
		data, meta, err := s.Get(BlockKey{Seq: seq, Layer: layer, Block: i, IsKey: isKey})
		if err != nil {
			return nil, err
		}
		if i == 0 {
			first = meta
			buf = make([]byte, 0, n*meta.RawBytes)
		} else if meta.DType != first.DType || meta.RawBytes != first.RawBytes {
			return nil, fmt.Errorf("offload: block %s is %v %v, block 0 is %v %v", meta.Key, meta.DType, meta.Shape, first.DType, first.Shape)
		}
		buf = append(buf, data...)
	}
	return device.NewHostArray(first.DType, buf, append([]int{n}, first.Shape...)...), nil
}

// Restore stages the len(table) offloaded blocks of (seq, layer, isKey) and
// swaps logical block i into physical block table[i] of cache.
func (s *Store) Restore(sw Swapper, cache device.Tensor, seq, layer int, isKey bool, table []int) error {
	host, err := s.Stage(seq, layer, isKey, len(table))
	if err != nil {
		return err
	}
	mapping := make(map[int]int, len(table))
	for i, phys := range table {
		mapping[i] = phys
	}
	return sw.SwapBlocks(host, cache, mapping)
}

// OffloadSequence offloads a sequence's blocks from every layer of c.
func (s *Store) OffloadSequence(r Reader, c *engine.PagedCache, seq int, table []int) error {
	for layer := 0; layer < c.NumLayers(); layer++ {
		if err := s.Offload(r, c.KeyCache(layer), seq, layer, true, table); err != nil {
			return err
		}
		if err := s.Offload(r, c.ValueCache(layer), seq, layer, false, table); err != nil {
			return err
		}
	}
	logger.Log.Debug("Offloaded sequence", "seq", seq, "blocks", len(table), "layers", c.NumLayers())
	return nil
}

// RestoreSequence brings an offloaded sequence back into the physical blocks
// of table in every layer of c.
func (s *Store) RestoreSequence(sw Swapper, c *engine.PagedCache, seq int, table []int) error {
	for layer := 0; layer < c.NumLayers(); layer++ {
		if err := s.Restore(sw, c.KeyCache(layer), seq, layer, true, table); err != nil {
			return err
		}
		if err := s.Restore(sw, c.ValueCache(layer), seq, layer, false, table); err != nil {
			return err
		}
	}
	logger.Log.Debug("Restored sequence", "seq", seq, "blocks", len(table), "layers", c.NumLayers())
	return nil
}
