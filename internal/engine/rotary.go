package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
)

// RotaryEmbedding rotates the first rot_dim elements of every query and key
// head in place by the cos/sin entry of the token's position.
//
//	positions:   [num_tokens] or [batch, seq] I64
//	query:       [num_tokens, num_heads*head_size] or [batch, seq, num_heads*head_size]
//	key:         same leading dims as query, num_kv_heads*head_size trailing
//	cosSinCache: [max_position, rot_dim], cos in the first half, sin in the second
//
// isNeox pairs element i with i+rot_dim/2; otherwise element 2i is paired
// with 2i+1.
func (e *Engine) RotaryEmbedding(positions, query, key device.Tensor, headSize int, cosSinCache device.Tensor, isNeox bool) (err error) {
	start := time.Now()
	defer func() { err = e.finish(OpRotaryEmbedding, start, err) }()

	c := &checker{op: OpRotaryEmbedding}
	c.dtype("positions", positions, device.DTypeI64)
	c.sameDType("key", key, "query", query)
	c.sameDType("cos_sin_cache", cosSinCache, "query", query)
	c.cacheDType("query", query)
	c.onAccelerator("positions", positions)
	c.sameDevice("query", query, "positions", positions)
	c.sameDevice("key", key, "positions", positions)
	c.sameDevice("cos_sin_cache", cosSinCache, "positions", positions)

	c.rank("positions", positions, 1, 2)
	c.rank("query", query, len(positions.Shape())+1)
	c.rank("key", key, len(positions.Shape())+1)
	c.rank("cos_sin_cache", cosSinCache, 2)
	c.positive("head_size", headSize)
	if c.err != nil {
		return c.err
	}

	lead := len(positions.Shape())
	for i := 0; i < lead; i++ {
		c.dim("query", query, i, positions.Shape()[i], "positions dim")
		c.dim("key", key, i, positions.Shape()[i], "positions dim")
	}
	qDim, kDim := query.Shape()[lead], key.Shape()[lead]
	if c.err == nil && qDim%headSize != 0 {
		c.fail("query", "", ErrShapeMismatch, fmt.Sprintf("trailing dim %d", qDim), fmt.Sprintf("a multiple of head_size %d", headSize))
	}
	if c.err == nil && kDim%headSize != 0 {
		c.fail("key", "", ErrShapeMismatch, fmt.Sprintf("trailing dim %d", kDim), fmt.Sprintf("a multiple of head_size %d", headSize))
	}
	rotDim := cosSinCache.Shape()[1]
	if c.err == nil && (rotDim <= 0 || rotDim%2 != 0 || rotDim > headSize) {
		c.fail("cos_sin_cache", "", ErrShapeMismatch, fmt.Sprintf("rot_dim %d", rotDim), fmt.Sprintf("even and in (0, %d]", headSize))
	}
	c.contiguous("positions", positions)
	c.contiguous("cos_sin_cache", cosSinCache)
	// tokens are addressed with a single stride, so leading dims must collapse
	c.innerContiguous("query", query, 1)
	c.innerContiguous("key", key, 1)
	if lead == 2 {
		collapsible("query", c, query)
		collapsible("key", c, key)
	}
	if c.err != nil {
		return c.err
	}

	numTokens := device.NumElements(positions.Shape())
	if numTokens == 0 {
		return nil
	}
	numHeads, numKVHeads := qDim/headSize, kDim/headSize

	tensors := []device.Tensor{positions, query, key, cosSinCache}
	var ptrs [4]device.DevicePointer
	for i, name := range []string{"positions", "query", "key", "cos_sin_cache"} {
		if ptrs[i], err = pointer(OpRotaryEmbedding, name, tensors[i]); err != nil {
			return err
		}
	}

	variant := kernels.VariantNormal
	if isNeox {
		variant = kernels.VariantNeox
	}
	cfg := device.LaunchConfig{
		Grid:  device.Dim3{X: uint32(numTokens), Y: 1, Z: 1},
		Block: device.Dim3{X: threads(numHeads*rotDim/2, e.cfg.RotaryMaxThreads), Y: 1, Z: 1},
	}
	return e.launch(OpRotaryEmbedding, kernels.RotaryEmbedding, variant, query.DType(), query.Device(), cfg,
		ptrs[0], ptrs[1], ptrs[2], ptrs[3],
		int32(rotDim), int32(tokenStride(query)), int32(tokenStride(key)),
		int32(numHeads), int32(numKVHeads), int32(headSize))
}

// tokenStride is the element distance between consecutive tokens.
func tokenStride(t device.Tensor) int {
	s := t.Stride()
	return s[len(s)-2]
}

// collapsible checks that [batch, seq, ...] can be walked as one token axis.
func collapsible(arg string, c *checker, t device.Tensor) {
	shape, stride := t.Shape(), t.Stride()
	if c.err == nil && shape[0] > 1 && stride[0] != shape[1]*stride[1] {
		c.fail(arg, "", ErrShapeMismatch, fmt.Sprintf("stride %v", stride), "batch and sequence dims that collapse into one token dim")
	}
}
