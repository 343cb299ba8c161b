package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/23skdu/longbow-kvcache/internal/device"
)

var cacheDTypes = []device.DType{device.DTypeF32, device.DTypeF16, device.DTypeBF16}

// checker records the first contract violation found for an operation. Every
// method is a no-op once a violation has been recorded.
type checker struct {
	op  string
	err error
}

func (c *checker) fail(arg, other string, kind error, got, want string) {
	if c.err == nil {
		c.err = &ValidationError{Op: c.op, Arg: arg, Other: other, Kind: kind, Got: got, Want: want}
	}
}

func (c *checker) dtype(arg string, t device.Tensor, want device.DType) {
	if c.err == nil && t.DType() != want {
		c.fail(arg, "", ErrDTypeMismatch, t.DType().String(), want.String())
	}
}

func (c *checker) sameDType(arg string, t device.Tensor, other string, o device.Tensor) {
	if c.err == nil && t.DType() != o.DType() {
		c.fail(arg, other, ErrDTypeMismatch, t.DType().String(), o.DType().String())
	}
}

func (c *checker) cacheDType(arg string, t device.Tensor) {
	if c.err != nil {
		return
	}
	for _, dt := range cacheDTypes {
		if t.DType() == dt {
			return
		}
	}
	c.fail(arg, "", ErrDTypeMismatch, t.DType().String(), "one of f32, f16, bf16")
}

func (c *checker) onAccelerator(arg string, t device.Tensor) {
	if c.err == nil && !t.Device().IsAccelerator() {
		c.fail(arg, "", ErrNotAccelerator, t.Device().String(), "an accelerator")
	}
}

func (c *checker) sameDevice(arg string, t device.Tensor, other string, o device.Tensor) {
	if c.err == nil && t.Device() != o.Device() {
		c.fail(arg, other, ErrDeviceMismatch, t.Device().String(), o.Device().String())
	}
}

func (c *checker) rank(arg string, t device.Tensor, want ...int) {
	if c.err != nil {
		return
	}
	r := len(t.Shape())
	for _, w := range want {
		if r == w {
			return
		}
	}
	ws := make([]string, len(want))
	for i, w := range want {
		ws[i] = fmt.Sprint(w)
	}
	c.fail(arg, "", ErrShapeMismatch, fmt.Sprintf("rank %d %v", r, t.Shape()), "rank "+strings.Join(ws, " or "))
}

// dim checks t.Shape()[i] == want.
func (c *checker) dim(arg string, t device.Tensor, i, want int, what string) {
	if c.err == nil && t.Shape()[i] != want {
		c.fail(arg, "", ErrShapeMismatch, fmt.Sprintf("%v", t.Shape()), fmt.Sprintf("dim %d = %d (%s)", i, want, what))
	}
}

func (c *checker) sameShape(arg string, t device.Tensor, other string, o device.Tensor) {
	if c.err == nil && !slices.Equal(t.Shape(), o.Shape()) {
		c.fail(arg, other, ErrShapeMismatch, fmt.Sprintf("%v", t.Shape()), fmt.Sprintf("%v", o.Shape()))
	}
}

func (c *checker) contiguous(arg string, t device.Tensor) {
	if c.err == nil && !device.IsContiguous(t) {
		c.fail(arg, "", ErrShapeMismatch, fmt.Sprintf("stride %v", t.Stride()), "contiguous")
	}
}

// innerContiguous checks that the trailing n dims of t are laid out row-major.
func (c *checker) innerContiguous(arg string, t device.Tensor, n int) {
	if c.err != nil {
		return
	}
	shape, stride := t.Shape(), t.Stride()
	acc := 1
	for i := len(shape) - 1; i >= len(shape)-n; i-- {
		if shape[i] > 1 && stride[i] != acc {
			c.fail(arg, "", ErrShapeMismatch, fmt.Sprintf("stride %v", stride), fmt.Sprintf("contiguous trailing %d dims", n))
			return
		}
		acc *= shape[i]
	}
}

func (c *checker) block(arg string, idx, numBlocks int) {
	if c.err == nil && (idx < 0 || idx >= numBlocks) {
		c.fail(arg, "", ErrBlockOutOfRange, fmt.Sprint(idx), fmt.Sprintf("in [0, %d)", numBlocks))
	}
}

func (c *checker) positive(arg string, v int) {
	if c.err == nil && v <= 0 {
		c.fail(arg, "", ErrShapeMismatch, fmt.Sprint(v), "positive")
	}
}
