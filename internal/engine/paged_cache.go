package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

// ErrOutOfBlocks is returned by Allocate when every block is in use.
var ErrOutOfBlocks = errors.New("paged cache: no free blocks")

// Layout is the geometry of one layer's key and value cache.
type Layout struct {
	NumBlocks int
	NumHeads  int
	HeadSize  int
	BlockSize int
	X         int
	DType     device.DType
}

// LayoutFromConfig builds the cache layout described by cfg.
func LayoutFromConfig(cfg config.Config) (Layout, error) {
	dt, err := device.ParseDType(cfg.DType)
	if err != nil {
		return Layout{}, err
	}
	l := Layout{
		NumBlocks: cfg.NumBlocks,
		NumHeads:  cfg.NumHeads,
		HeadSize:  cfg.HeadSize,
		BlockSize: cfg.BlockSize,
		X:         cfg.PackFactor(),
		DType:     dt,
	}
	return l, l.Validate()
}

func (l Layout) Validate() error {
	if l.NumBlocks <= 0 || l.NumHeads <= 0 || l.HeadSize <= 0 || l.BlockSize <= 0 || l.X <= 0 {
		return fmt.Errorf("invalid cache layout %+v", l)
	}
	if l.HeadSize%l.X != 0 {
		return fmt.Errorf("invalid cache layout: x=%d does not divide head_size=%d", l.X, l.HeadSize)
	}
	return nil
}

// KeyShape is [num_blocks, num_heads, head_size/x, block_size, x].
func (l Layout) KeyShape() []int {
	return []int{l.NumBlocks, l.NumHeads, l.HeadSize / l.X, l.BlockSize, l.X}
}

// ValueShape is [num_blocks, num_heads, head_size, block_size].
func (l Layout) ValueShape() []int {
	return []int{l.NumBlocks, l.NumHeads, l.HeadSize, l.BlockSize}
}

// BlockBytes is the size of one block of either cache.
func (l Layout) BlockBytes() int {
	return l.NumHeads * l.HeadSize * l.BlockSize * l.DType.Size()
}

// PagedCache owns the key and value caches of every layer on one device and
// hands out physical blocks. Block contents are only changed by the engine.
type PagedCache struct {
	layout  Layout
	backend device.Backend
	keys    []*device.Array
	values  []*device.Array

	mu   sync.Mutex
	free []int // stack, lowest block on top
}

// NewPagedCache allocates numLayers key/value cache pairs on b.
func NewPagedCache(b device.Backend, layout Layout, numLayers int) (*PagedCache, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if numLayers <= 0 {
		return nil, fmt.Errorf("paged cache: invalid layer count %d", numLayers)
	}

	c := &PagedCache{
		layout:  layout,
		backend: b,
		free:    make([]int, layout.NumBlocks),
	}
	for i := range c.free {
		c.free[i] = layout.NumBlocks - 1 - i
	}

	for i := 0; i < numLayers; i++ {
		k, err := device.Alloc(b, layout.DType, layout.KeyShape()...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("paged cache: key cache for layer %d: %w", i, err)
		}
		c.keys = append(c.keys, k)

		v, err := device.Alloc(b, layout.DType, layout.ValueShape()...)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("paged cache: value cache for layer %d: %w", i, err)
		}
		c.values = append(c.values, v)
	}
	c.record()
	return c, nil
}

func (c *PagedCache) Layout() Layout { return c.layout }

func (c *PagedCache) NumLayers() int { return len(c.keys) }

func (c *PagedCache) Device() device.Device { return c.backend.Device() }

// KeyCache returns layer's key cache.
func (c *PagedCache) KeyCache(layer int) device.Tensor { return c.keys[layer] }

// ValueCache returns layer's value cache.
func (c *PagedCache) ValueCache(layer int) device.Tensor { return c.values[layer] }

// KeyCaches returns every layer's key cache in layer order.
func (c *PagedCache) KeyCaches() []device.Tensor {
	out := make([]device.Tensor, len(c.keys))
	for i, k := range c.keys {
		out[i] = k
	}
	return out
}

// ValueCaches returns every layer's value cache in layer order.
func (c *PagedCache) ValueCaches() []device.Tensor {
	out := make([]device.Tensor, len(c.values))
	for i, v := range c.values {
		out[i] = v
	}
	return out
}

// Allocate takes a free block.
func (c *PagedCache) Allocate() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.free) == 0 {
		return -1, ErrOutOfBlocks
	}
	block := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	c.recordLocked()
	return block, nil
}

// Release returns blocks to the free list. Nothing is released if any
// block is out of range or already free.
func (c *PagedCache) Release(blocks ...int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, b := range blocks {
		if b < 0 || b >= c.layout.NumBlocks {
			return fmt.Errorf("paged cache: release of block %d outside [0, %d)", b, c.layout.NumBlocks)
		}
		if slices.Contains(c.free, b) || slices.Contains(blocks[:i], b) {
			return fmt.Errorf("paged cache: block %d released twice", b)
		}
	}
	c.free = append(c.free, blocks...)
	c.recordLocked()
	return nil
}

// FreeBlocks is the number of blocks available to Allocate.
func (c *PagedCache) FreeBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}

// SlotMapping returns the slots of logical positions [start, start+n) of a
// sequence whose logical blocks are stored in the physical blocks of table.
func (c *PagedCache) SlotMapping(table []int, start, n int) ([]int64, error) {
	bs := c.layout.BlockSize
	out := make([]int64, n)
	for i := range out {
		pos := start + i
		logical := pos / bs
		if pos < 0 || logical >= len(table) {
			return nil, fmt.Errorf("paged cache: position %d not covered by %d blocks", pos, len(table))
		}
		out[i] = int64(table[logical]*bs + pos%bs)
	}
	return out, nil
}

// Close frees the device memory of every cache.
func (c *PagedCache) Close() error {
	var errs []error
	for _, t := range append(c.keys, c.values...) {
		if err := c.backend.Free(t.Storage()); err != nil {
			errs = append(errs, err)
		}
	}
	c.keys, c.values = nil, nil
	return errors.Join(errs...)
}

func (c *PagedCache) record() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recordLocked()
}

func (c *PagedCache) recordLocked() {
	metrics.RecordBlockPool(len(c.free), c.layout.NumBlocks)
}
