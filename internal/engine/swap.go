package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

// Swap directions, used as the metrics label.
const (
	DirDeviceToDevice = "d2d"
	DirHostToDevice   = "h2d"
)

// SwapBlocks copies block src of srcCache to block mapping[src] of dstCache
// for every entry of mapping. Both caches are indexed by block along dim 0
// and must agree on the shape of a block.
//
// Device to device copies on one accelerator are queued on its stream. Host
// to device copies return once the bytes are on the device. Device to host
// and cross-accelerator swaps are not supported.
func (e *Engine) SwapBlocks(srcCache, dstCache device.Tensor, mapping map[int]int) (err error) {
	start := time.Now()
	defer func() { err = e.finish(OpSwapBlocks, start, err) }()

	c := &checker{op: OpSwapBlocks}
	c.sameDType("src", srcCache, "dst", dstCache)
	c.rank("src", srcCache, 1, 2, 3, 4, 5)
	c.rank("dst", dstCache, len(srcCache.Shape()))
	if c.err == nil && !sameBlockShape(srcCache, dstCache) {
		c.fail("src", "dst", ErrShapeMismatch,
			fmt.Sprintf("block shape %v", srcCache.Shape()[1:]), fmt.Sprintf("block shape %v", dstCache.Shape()[1:]))
	}
	c.contiguous("src", srcCache)
	c.contiguous("dst", dstCache)
	if c.err != nil {
		return c.err
	}

	srcDev, dstDev := srcCache.Device(), dstCache.Device()
	var dir string
	switch {
	case srcDev.IsAccelerator() && dstDev.IsAccelerator():
		if srcDev != dstDev {
			return &UnsupportedError{Op: OpSwapBlocks, Src: srcDev, Dst: dstDev, Reason: "copies between accelerators are not supported"}
		}
		dir = DirDeviceToDevice
	case srcDev.IsHost() && dstDev.IsAccelerator():
		dir = DirHostToDevice
	case srcDev.IsAccelerator() && dstDev.IsHost():
		return &UnsupportedError{Op: OpSwapBlocks, Src: srcDev, Dst: dstDev, Reason: "device to host swap is not implemented"}
	default:
		return &UnsupportedError{Op: OpSwapBlocks, Src: srcDev, Dst: dstDev, Reason: "at least one side must be an accelerator"}
	}

	srcs := make([]int, 0, len(mapping))
	for src := range mapping {
		srcs = append(srcs, src)
	}
	sort.Ints(srcs)
	for _, src := range srcs {
		c.block("block_mapping source", src, srcCache.Shape()[0])
		c.block(fmt.Sprintf("block_mapping[%d]", src), mapping[src], dstCache.Shape()[0])
	}
	if c.err != nil {
		return c.err
	}
	if len(srcs) == 0 {
		return nil
	}

	blockBytes := srcCache.DType().Size() * device.NumElements(srcCache.Shape()[1:])
	s, err := e.stream(OpSwapBlocks, dstDev)
	if err != nil {
		return err
	}
	dst, err := pointer(OpSwapBlocks, "dst", dstCache)
	if err != nil {
		return err
	}

	switch dir {
	case DirDeviceToDevice:
		srcPtr, err := pointer(OpSwapBlocks, "src", srcCache)
		if err != nil {
			return err
		}
		for _, b := range srcs {
			from, to, err := blockPair(srcPtr, dst, b, mapping[b], blockBytes)
			if err != nil {
				return err
			}
			if err := s.CopyDtoDAsync(to, from, blockBytes); err != nil {
				return &DeviceError{Op: OpSwapBlocks, Err: err}
			}
		}
	case DirHostToDevice:
		host := srcCache.Storage().Bytes()
		base := device.ByteOffset(srcCache)
		for _, b := range srcs {
			off := base + b*blockBytes
			if off+blockBytes > len(host) {
				return &DeviceError{Op: OpSwapBlocks, Err: fmt.Errorf("src block %d overruns host storage of %d bytes", b, len(host))}
			}
			to, err := dst.Slice(mapping[b]*blockBytes, blockBytes)
			if err != nil {
				return &DeviceError{Op: OpSwapBlocks, Err: err}
			}
			if err := s.CopyHtoD(to, host[off:off+blockBytes]); err != nil {
				return &DeviceError{Op: OpSwapBlocks, Err: err}
			}
		}
	}

	metrics.RecordSwap(dir, len(srcs), int64(len(srcs)*blockBytes))
	return nil
}

func sameBlockShape(a, b device.Tensor) bool {
	as, bs := a.Shape(), b.Shape()
	if len(as) != len(bs) {
		return false
	}
	for i := 1; i < len(as); i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func blockPair(src, dst device.DevicePointer, from, to, blockBytes int) (device.DevicePointer, device.DevicePointer, error) {
	s, err := src.Slice(from*blockBytes, blockBytes)
	if err != nil {
		return s, s, &DeviceError{Op: OpSwapBlocks, Err: err}
	}
	d, err := dst.Slice(to*blockBytes, blockBytes)
	if err != nil {
		return s, d, &DeviceError{Op: OpSwapBlocks, Err: err}
	}
	return s, d, nil
}
