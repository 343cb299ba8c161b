package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

// CopyBlocks copies block src to every block in mapping[src], in every
// layer's key and value cache, with a single kernel launch. keyCaches[i] and
// valueCaches[i] are layer i's caches. Zero layers or an empty mapping is a
// no-op.
func (e *Engine) CopyBlocks(keyCaches, valueCaches []device.Tensor, mapping map[int][]int) (err error) {
	start := time.Now()
	defer func() { err = e.finish(OpCopyBlocks, start, err) }()

	c := &checker{op: OpCopyBlocks}
	if len(keyCaches) != len(valueCaches) {
		c.fail("key_caches", "value_caches", ErrShapeMismatch,
			fmt.Sprintf("%d layers", len(keyCaches)), fmt.Sprintf("%d layers", len(valueCaches)))
		return c.err
	}
	numLayers := len(keyCaches)
	if numLayers == 0 {
		return nil
	}

	first := keyCaches[0]
	c.cacheDType("key_caches[0]", first)
	c.onAccelerator("key_caches[0]", first)
	for i := range numLayers {
		k, v := keyCaches[i], valueCaches[i]
		kn, vn := fmt.Sprintf("key_caches[%d]", i), fmt.Sprintf("value_caches[%d]", i)
		c.sameDType(kn, k, "key_caches[0]", first)
		c.sameDType(vn, v, "key_caches[0]", first)
		c.sameDevice(kn, k, "key_caches[0]", first)
		c.sameDevice(vn, v, "key_caches[0]", first)
		c.sameShape(kn, k, "key_caches[0]", first)
		c.sameShape(vn, v, "value_caches[0]", valueCaches[0])
		c.contiguous(kn, k)
		c.contiguous(vn, v)
	}
	c.rank("key_caches[0]", first, 5)
	c.rank("value_caches[0]", valueCaches[0], 4)
	if c.err != nil {
		return c.err
	}

	numBlocks := first.Shape()[0]
	c.dim("value_caches[0]", valueCaches[0], 0, numBlocks, "num_blocks")
	numel := device.NumElements(first.Shape()[1:])
	if vn := device.NumElements(valueCaches[0].Shape()[1:]); c.err == nil && vn != numel {
		c.fail("value_caches[0]", "key_caches[0]", ErrShapeMismatch,
			fmt.Sprintf("%d elements per block", vn), fmt.Sprintf("%d elements per block", numel))
	}
	pairs := flattenMapping(c, mapping, numBlocks)
	if c.err != nil {
		return c.err
	}
	if len(pairs) == 0 {
		return nil
	}

	keyAddrs := make([]int64, numLayers)
	valueAddrs := make([]int64, numLayers)
	for i := range numLayers {
		kp, err := pointer(OpCopyBlocks, fmt.Sprintf("key_caches[%d]", i), keyCaches[i])
		if err != nil {
			return err
		}
		vp, err := pointer(OpCopyBlocks, fmt.Sprintf("value_caches[%d]", i), valueCaches[i])
		if err != nil {
			return err
		}
		keyAddrs[i], valueAddrs[i] = int64(kp.Addr()), int64(vp.Addr())
	}

	dev := first.Device()
	s, err := e.stream(OpCopyBlocks, dev)
	if err != nil {
		return err
	}
	var scratch []device.DevicePointer
	defer func() {
		for _, p := range scratch {
			if ferr := s.FreeAsync(p); ferr != nil && err == nil {
				err = &DeviceError{Op: OpCopyBlocks, Err: ferr}
			}
		}
	}()
	upload := func(vals []int64) (device.DevicePointer, error) {
		b := device.EncodeInt64(vals)
		p, err := s.AllocAsync(len(b))
		if err != nil {
			return device.DevicePointer{}, &DeviceError{Op: OpCopyBlocks, Err: err}
		}
		scratch = append(scratch, p)
		if err := s.CopyHtoDAsync(p, b); err != nil {
			return device.DevicePointer{}, &DeviceError{Op: OpCopyBlocks, Err: err}
		}
		return p, nil
	}

	keyPtrs, err := upload(keyAddrs)
	if err != nil {
		return err
	}
	valuePtrs, err := upload(valueAddrs)
	if err != nil {
		return err
	}
	mappingPtr, err := upload(pairs)
	if err != nil {
		return err
	}

	numPairs := len(pairs) / 2
	cfg := device.LaunchConfig{
		Grid:  device.Dim3{X: uint32(numLayers), Y: uint32(numPairs), Z: 1},
		Block: device.Dim3{X: threads(numel, e.cfg.CopyBlocksMaxThreads), Y: 1, Z: 1},
	}
	err = e.launch(OpCopyBlocks, kernels.CopyBlocks, "", first.DType(), dev, cfg,
		keyPtrs, valuePtrs, mappingPtr, int32(numel))
	if err != nil {
		return err
	}
	metrics.RecordBlocksCopied(numLayers * numPairs)
	return nil
}

// flattenMapping turns mapping into [src0, dst0, src1, dst1, ...] ordered by
// source, keeping each source's destination order. Every index must be a
// valid block and each destination may be written at most once and must not
// also be read.
func flattenMapping(c *checker, mapping map[int][]int, numBlocks int) []int64 {
	srcs := make([]int, 0, len(mapping))
	for src := range mapping {
		srcs = append(srcs, src)
	}
	sort.Ints(srcs)

	written := make(map[int]int)
	var pairs []int64
	for _, src := range srcs {
		c.block(fmt.Sprintf("block_mapping source %d", src), src, numBlocks)
		for _, dst := range mapping[src] {
			c.block(fmt.Sprintf("block_mapping[%d] destination", src), dst, numBlocks)
			if prev, ok := written[dst]; ok && c.err == nil {
				c.fail(fmt.Sprintf("block_mapping[%d]", src), fmt.Sprintf("block_mapping[%d]", prev), ErrMappingConflict,
					fmt.Sprintf("writes block %d", dst), "writes it too")
			}
			if _, ok := mapping[dst]; ok && c.err == nil {
				c.fail(fmt.Sprintf("block_mapping[%d]", src), "", ErrMappingConflict,
					fmt.Sprintf("destination %d", dst), "not also a source")
			}
			written[dst] = src
			pairs = append(pairs, int64(src), int64(dst))
		}
	}
	if c.err != nil {
		return nil
	}
	return pairs
}
