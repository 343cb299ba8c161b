package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

// ReshapeAndCache writes key[t] and value[t] into the cache slot
// slotMapping[t] for every token t. Tokens with a negative slot are padding
// and are skipped.
//
//	key, value:   [num_tokens, num_heads, head_size]
//	keyCache:     [num_blocks, num_heads, head_size/x, block_size, x]
//	valueCache:   [num_blocks, num_heads, head_size, block_size]
//	slotMapping:  [num_tokens] I64
func (e *Engine) ReshapeAndCache(key, value, keyCache, valueCache, slotMapping device.Tensor) (err error) {
	start := time.Now()
	defer func() { err = e.finish(OpReshapeAndCache, start, err) }()

	c := &checker{op: OpReshapeAndCache}
	c.dtype("slot_mapping", slotMapping, device.DTypeI64)
	c.sameDType("key", key, "value", value)
	c.sameDType("key", key, "key_cache", keyCache)
	c.sameDType("key", key, "value_cache", valueCache)
	c.cacheDType("key", key)
	for _, t := range []struct {
		name string
		t    device.Tensor
	}{{"key", key}, {"value", value}, {"key_cache", keyCache}, {"value_cache", valueCache}, {"slot_mapping", slotMapping}} {
		c.onAccelerator(t.name, t.t)
		c.sameDevice(t.name, t.t, "key", key)
	}

	c.rank("key", key, 3)
	c.sameShape("value", value, "key", key)
	c.rank("key_cache", keyCache, 5)
	c.rank("value_cache", valueCache, 4)
	c.rank("slot_mapping", slotMapping, 1)
	if c.err != nil {
		return c.err
	}

	numTokens, numHeads, headSize := key.Shape()[0], key.Shape()[1], key.Shape()[2]
	numBlocks, blockSize, x := keyCache.Shape()[0], keyCache.Shape()[3], keyCache.Shape()[4]
	c.dim("slot_mapping", slotMapping, 0, numTokens, "num_tokens")
	c.dim("key_cache", keyCache, 1, numHeads, "num_heads")
	c.positive("x", x)
	c.positive("block_size", blockSize)
	if c.err == nil {
		c.dim("key_cache", keyCache, 2, headSize/x, "head_size/x")
		if headSize%x != 0 {
			c.fail("key_cache", "", ErrShapeMismatch, fmt.Sprintf("x=%d", x), fmt.Sprintf("a divisor of head_size %d", headSize))
		}
	}
	c.dim("value_cache", valueCache, 0, numBlocks, "num_blocks")
	c.dim("value_cache", valueCache, 1, numHeads, "num_heads")
	c.dim("value_cache", valueCache, 2, headSize, "head_size")
	c.dim("value_cache", valueCache, 3, blockSize, "block_size")
	c.innerContiguous("key", key, 2)
	c.innerContiguous("value", value, 2)
	c.contiguous("key_cache", keyCache)
	c.contiguous("value_cache", valueCache)
	c.contiguous("slot_mapping", slotMapping)
	if c.err != nil {
		return c.err
	}
	if numTokens == 0 {
		return nil
	}

	tensors := []device.Tensor{key, value, keyCache, valueCache, slotMapping}
	var ptrs [5]device.DevicePointer
	for i, name := range []string{"key", "value", "key_cache", "value_cache", "slot_mapping"} {
		if ptrs[i], err = pointer(OpReshapeAndCache, name, tensors[i]); err != nil {
			return err
		}
	}

	cfg := device.LaunchConfig{
		Grid:  device.Dim3{X: uint32(numTokens), Y: 1, Z: 1},
		Block: device.Dim3{X: threads(numHeads*headSize, e.cfg.ReshapeMaxThreads), Y: 1, Z: 1},
	}
	err = e.launch(OpReshapeAndCache, kernels.ReshapeAndCache, "", key.DType(), key.Device(), cfg,
		ptrs[0], ptrs[1], ptrs[2], ptrs[3], ptrs[4],
		int32(key.Stride()[0]), int32(value.Stride()[0]),
		int32(numHeads), int32(headSize), int32(blockSize), int32(x))
	if err != nil {
		return err
	}
	metrics.RecordTokensCached(numTokens)
	return nil
}
