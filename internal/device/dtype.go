package device

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the element type of a tensor.
type DType int

const (
	DTypeInvalid DType = iota
	DTypeU8
	DTypeU32
	DTypeI64
	DTypeBF16
	DTypeF16
	DTypeF32
	DTypeF64
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeU8:
		return 1
	case DTypeBF16, DTypeF16:
		return 2
	case DTypeU32, DTypeF32:
		return 4
	case DTypeI64, DTypeF64:
		return 8
	}
	return 0
}

// Suffix is the short name used in kernel entry points, e.g. "f16".
func (d DType) Suffix() string {
	switch d {
	case DTypeU8:
		return "u8"
	case DTypeU32:
		return "u32"
	case DTypeI64:
		return "i64"
	case DTypeBF16:
		return "bf16"
	case DTypeF16:
		return "f16"
	case DTypeF32:
		return "f32"
	case DTypeF64:
		return "f64"
	}
	return "invalid"
}

func (d DType) String() string {
	return d.Suffix()
}

// IsFloat reports whether d is a floating point type.
func (d DType) IsFloat() bool {
	switch d {
	case DTypeBF16, DTypeF16, DTypeF32, DTypeF64:
		return true
	}
	return false
}

// ParseDType is the inverse of Suffix.
func ParseDType(s string) (DType, error) {
	for d := DTypeU8; d <= DTypeF64; d++ {
		if d.Suffix() == s {
			return d, nil
		}
	}
	return DTypeInvalid, fmt.Errorf("unknown dtype %q", s)
}

// EncodeFloat32 converts vals into the little-endian byte representation of dt.
func EncodeFloat32(dt DType, vals []float32) []byte {
	out := make([]byte, len(vals)*dt.Size())
	for i, v := range vals {
		PutFloat32(dt, out[i*dt.Size():], v)
	}
	return out
}

// DecodeFloat32 converts the little-endian bytes of dt into float32 values.
func DecodeFloat32(dt DType, b []byte) []float32 {
	n := len(b) / dt.Size()
	out := make([]float32, n)
	for i := range out {
		out[i] = Float32At(dt, b[i*dt.Size():])
	}
	return out
}

// EncodeInt64 converts vals into little-endian int64 bytes.
func EncodeInt64(vals []int64) []byte {
	out := make([]byte, len(vals)*8)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(out[i*8:], uint64(v))
	}
	return out
}

// DecodeInt64 converts little-endian int64 bytes into values.
func DecodeInt64(b []byte) []int64 {
	out := make([]int64, len(b)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return out
}

// Float32At reads one element of type dt from the front of b.
func Float32At(dt DType, b []byte) float32 {
	switch dt {
	case DTypeF16:
		return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()
	case DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(b)))
	case DTypeF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b))
	case DTypeF64:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
	case DTypeU8:
		return float32(b[0])
	case DTypeU32:
		return float32(binary.LittleEndian.Uint32(b))
	case DTypeI64:
		return float32(int64(binary.LittleEndian.Uint64(b)))
	}
	panic(fmt.Sprintf("device: no float32 conversion for dtype %v", dt))
}

// PutFloat32 writes v as one element of type dt to the front of b.
func PutFloat32(dt DType, b []byte, v float32) {
	switch dt {
	case DTypeF16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(v).Bits())
	case DTypeBF16:
		binary.LittleEndian.PutUint16(b, uint16(bfloat16.FromFloat32(v)))
	case DTypeF32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	case DTypeF64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(float64(v)))
	case DTypeU8:
		b[0] = uint8(v)
	case DTypeU32:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case DTypeI64:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	default:
		panic(fmt.Sprintf("device: no float32 conversion for dtype %v", dt))
	}
}
