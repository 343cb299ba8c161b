package engine

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/device/emulator"
)

// cosSinTable builds a [maxPos, rotDim] cache with cos in the first half of
// each row and sin in the second.
func cosSinTable(maxPos, rotDim int) []float32 {
	embed := rotDim / 2
	out := make([]float32, maxPos*rotDim)
	for p := 0; p < maxPos; p++ {
		for i := 0; i < embed; i++ {
			theta := float64(p) * math.Pow(10000, -2*float64(i)/float64(rotDim))
			out[p*rotDim+i] = float32(math.Cos(theta))
			out[p*rotDim+embed+i] = float32(math.Sin(theta))
		}
	}
	return out
}

// rotateRef applies the rotation to a copy of x laid out as
// [tokens, heads*headSize].
func rotateRef(positions []int64, x []float32, heads, headSize int, table []float32, rotDim int, neox bool) []float32 {
	out := append([]float32(nil), x...)
	embed := rotDim / 2
	stride := heads * headSize
	for tok, pos := range positions {
		row := table[int(pos)*rotDim:]
		for h := 0; h < heads; h++ {
			base := tok*stride + h*headSize
			for i := 0; i < embed; i++ {
				xi, yi := base+2*i, base+2*i+1
				if neox {
					xi, yi = base+i, base+embed+i
				}
				cos, sin := row[i], row[embed+i]
				a, b := out[xi], out[yi]
				out[xi] = a*cos - b*sin
				out[yi] = b*cos + a*sin
			}
		}
	}
	return out
}

// roundTrip quantizes vals through dt.
func roundTrip(dt device.DType, vals []float32) []float32 {
	return device.DecodeFloat32(dt, device.EncodeFloat32(dt, vals))
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func expectClose(t *testing.T, what string, want, got []float32, tol float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: %d values, want %d", what, len(got), len(want))
	}
	if !floats.EqualApprox(toFloat64(want), toFloat64(got), tol) {
		for i := range want {
			if math.Abs(float64(want[i]-got[i])) > tol {
				t.Fatalf("%s[%d] = %v, want %v (tol %v)", what, i, got[i], want[i], tol)
			}
		}
	}
}

type rotaryCase struct {
	lead             []int // positions shape
	positions        []int64
	numHeads, numKV  int
	headSize, rotDim int
	maxPos           int
	neox             bool
}

func runRotary(t *testing.T, dt device.DType, c rotaryCase, tol float64) {
	t.Helper()
	e, emu := newTestEngine(t)

	tokens := len(c.positions)
	qVals := roundTrip(dt, scaled(pattern(tokens*c.numHeads*c.headSize, 1)))
	kVals := roundTrip(dt, scaled(pattern(tokens*c.numKV*c.headSize, 2)))
	table := roundTrip(dt, cosSinTable(c.maxPos, c.rotDim))

	positions := uploadInt64(t, emu, c.positions, c.lead...)
	query := upload(t, emu, dt, qVals, append(append([]int(nil), c.lead...), c.numHeads*c.headSize)...)
	key := upload(t, emu, dt, kVals, append(append([]int(nil), c.lead...), c.numKV*c.headSize)...)
	cache := upload(t, emu, dt, table, c.maxPos, c.rotDim)

	if err := e.RotaryEmbedding(positions, query, key, c.headSize, cache, c.neox); err != nil {
		t.Fatalf("RotaryEmbedding: %v", err)
	}
	if emu.Launches() != 1 {
		t.Errorf("launches = %d, want 1", emu.Launches())
	}

	wantQ := roundTrip(dt, rotateRef(c.positions, qVals, c.numHeads, c.headSize, table, c.rotDim, c.neox))
	wantK := roundTrip(dt, rotateRef(c.positions, kVals, c.numKV, c.headSize, table, c.rotDim, c.neox))
	expectClose(t, "query", wantQ, download(t, emu, query), tol)
	expectClose(t, "key", wantK, download(t, emu, key), tol)
}

// scaled maps pattern values into [-1, 1].
func scaled(v []float32) []float32 {
	for i := range v {
		v[i] /= 100
	}
	return v
}

func TestRotaryEmbedding(t *testing.T) {
	tests := []struct {
		name  string
		dtype device.DType
		c     rotaryCase
		tol   float64
	}{
		{"neox f32", device.DTypeF32, rotaryCase{
			lead: []int{4}, positions: []int64{0, 5, 2, 7},
			numHeads: 2, numKV: 2, headSize: 8, rotDim: 8, maxPos: 8, neox: true,
		}, 1e-6},
		{"normal f32", device.DTypeF32, rotaryCase{
			lead: []int{3}, positions: []int64{3, 3, 1},
			numHeads: 3, numKV: 3, headSize: 4, rotDim: 4, maxPos: 4,
		}, 1e-6},
		{"partial rotation", device.DTypeF32, rotaryCase{
			lead: []int{2}, positions: []int64{1, 6},
			numHeads: 2, numKV: 2, headSize: 8, rotDim: 4, maxPos: 8, neox: true,
		}, 1e-6},
		{"grouped query heads", device.DTypeF32, rotaryCase{
			lead: []int{3}, positions: []int64{2, 0, 4},
			numHeads: 4, numKV: 1, headSize: 8, rotDim: 8, maxPos: 5,
		}, 1e-6},
		{"batch by sequence", device.DTypeF32, rotaryCase{
			lead: []int{2, 3}, positions: []int64{0, 1, 2, 0, 1, 2},
			numHeads: 2, numKV: 1, headSize: 4, rotDim: 4, maxPos: 3, neox: true,
		}, 1e-6},
		{"neox f16", device.DTypeF16, rotaryCase{
			lead: []int{2}, positions: []int64{9, 1},
			numHeads: 2, numKV: 2, headSize: 16, rotDim: 16, maxPos: 10, neox: true,
		}, 2e-3},
		{"normal bf16", device.DTypeBF16, rotaryCase{
			lead: []int{2}, positions: []int64{4, 2},
			numHeads: 1, numKV: 1, headSize: 8, rotDim: 8, maxPos: 5,
		}, 2e-2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runRotary(t, tt.dtype, tt.c, tt.tol)
		})
	}
}

// Rotation preserves the length of every pair and leaves elements past
// rot_dim alone.
func TestRotaryEmbeddingInvariants(t *testing.T) {
	e, emu := newTestEngine(t)
	const heads, headSize, rotDim = 2, 8, 4
	dt := device.DTypeF32
	positions := []int64{3, 1}
	vals := scaled(pattern(len(positions)*heads*headSize, 7))

	query := upload(t, emu, dt, vals, 2, heads*headSize)
	key := upload(t, emu, dt, vals, 2, heads*headSize)
	cache := upload(t, emu, dt, cosSinTable(4, rotDim), 4, rotDim)
	if err := e.RotaryEmbedding(uploadInt64(t, emu, positions, 2), query, key, headSize, cache, true); err != nil {
		t.Fatalf("RotaryEmbedding: %v", err)
	}

	got := download(t, emu, query)
	for tok := range positions {
		for h := 0; h < heads; h++ {
			base := (tok*heads + h) * headSize
			for i := 0; i < rotDim/2; i++ {
				x, y := base+i, base+rotDim/2+i
				before := math.Hypot(float64(vals[x]), float64(vals[y]))
				after := math.Hypot(float64(got[x]), float64(got[y]))
				if math.Abs(before-after) > 1e-6 {
					t.Errorf("token %d head %d pair %d: length %v -> %v", tok, h, i, before, after)
				}
			}
			for i := rotDim; i < headSize; i++ {
				if got[base+i] != vals[base+i] {
					t.Errorf("token %d head %d element %d changed", tok, h, i)
				}
			}
		}
	}
}

func TestRotaryEmbeddingVariantsDiffer(t *testing.T) {
	e, emu := newTestEngine(t)
	dt := device.DTypeF32
	vals := scaled(pattern(16, 3))
	positions := uploadInt64(t, emu, []int64{2}, 1)
	cache := upload(t, emu, dt, cosSinTable(4, 8), 4, 8)

	neoxQ := upload(t, emu, dt, vals, 1, 16)
	normalQ := upload(t, emu, dt, vals, 1, 16)
	k1 := upload(t, emu, dt, vals, 1, 16)
	k2 := upload(t, emu, dt, vals, 1, 16)
	if err := e.RotaryEmbedding(positions, neoxQ, k1, 8, cache, true); err != nil {
		t.Fatal(err)
	}
	if err := e.RotaryEmbedding(positions, normalQ, k2, 8, cache, false); err != nil {
		t.Fatal(err)
	}
	if floats.Equal(toFloat64(download(t, emu, neoxQ)), toFloat64(download(t, emu, normalQ))) {
		t.Error("neox and normal rotations agree")
	}
	if emu.Loads() != 2 {
		t.Errorf("loads = %d, want one per variant", emu.Loads())
	}
}

func TestRotaryEmbeddingZeroTokens(t *testing.T) {
	e, emu := newTestEngine(t)
	dt := device.DTypeF16
	err := e.RotaryEmbedding(zeros(t, emu, device.DTypeI64, 0), zeros(t, emu, dt, 0, 16), zeros(t, emu, dt, 0, 8), 8,
		zeros(t, emu, dt, 4, 8), true)
	if err != nil {
		t.Fatalf("RotaryEmbedding: %v", err)
	}
	expectUntouched(t, emu, 0)
}

func TestRotaryEmbeddingRejects(t *testing.T) {
	type args struct {
		positions, query, key, cache device.Tensor
		headSize                     int
	}
	build := func(t *testing.T, emu *emulator.Emulator) args {
		return args{
			positions: uploadInt64(t, emu, []int64{0, 1}, 2),
			query:     zeros(t, emu, device.DTypeF32, 2, 16),
			key:       zeros(t, emu, device.DTypeF32, 2, 8),
			cache:     zeros(t, emu, device.DTypeF32, 4, 8),
			headSize:  8,
		}
	}
	other := emulator.New(1)
	onOther := func(t *testing.T, dt device.DType, shape ...int) *device.Array {
		t.Helper()
		a, err := other.Zeros(dt, shape...)
		if err != nil {
			t.Fatal(err)
		}
		return a
	}

	tests := []struct {
		name   string
		modify func(t *testing.T, emu *emulator.Emulator, a *args)
		kind   error
		arg    string
	}{
		{"positions dtype", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.positions = zeros(t, emu, device.DTypeF32, 2)
		}, ErrDTypeMismatch, "positions"},
		{"key dtype", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.key = zeros(t, emu, device.DTypeF16, 2, 8)
		}, ErrDTypeMismatch, "key"},
		{"cache dtype", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.cache = zeros(t, emu, device.DTypeBF16, 4, 8)
		}, ErrDTypeMismatch, "cos_sin_cache"},
		{"positions on host", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.positions = device.NewHostArray(device.DTypeI64, device.EncodeInt64([]int64{0, 1}), 2)
		}, ErrNotAccelerator, "positions"},
		{"query on another device", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.query = onOther(t, device.DTypeF32, 2, 16)
		}, ErrDeviceMismatch, "query"},
		{"key on another device", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.key = onOther(t, device.DTypeF32, 2, 8)
		}, ErrDeviceMismatch, "key"},
		{"cache on another device", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.cache = onOther(t, device.DTypeF32, 4, 8)
		}, ErrDeviceMismatch, "cos_sin_cache"},
		{"query rank", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.query = zeros(t, emu, device.DTypeF32, 2, 2, 8)
		}, ErrShapeMismatch, "query"},
		{"token count", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.key = zeros(t, emu, device.DTypeF32, 3, 8)
		}, ErrShapeMismatch, "key"},
		{"query not whole heads", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.query = zeros(t, emu, device.DTypeF32, 2, 12)
		}, ErrShapeMismatch, "query"},
		{"odd rot dim", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.cache = zeros(t, emu, device.DTypeF32, 4, 7)
		}, ErrShapeMismatch, "cos_sin_cache"},
		{"rot dim past head", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.cache = zeros(t, emu, device.DTypeF32, 4, 10)
		}, ErrShapeMismatch, "cos_sin_cache"},
		{"head size", func(t *testing.T, emu *emulator.Emulator, a *args) {
			a.headSize = 0
		}, ErrShapeMismatch, "head_size"},
		{"strided head dim", func(t *testing.T, emu *emulator.Emulator, a *args) {
			q := zeros(t, emu, device.DTypeF32, 2, 32)
			a.query = device.NewStridedArray(q.Storage(), device.DTypeF32, 0, []int{2, 16}, []int{32, 2})
		}, ErrShapeMismatch, "query"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, emu := newTestEngine(t)
			a := build(t, emu)
			tt.modify(t, emu, &a)
			err := e.RotaryEmbedding(a.positions, a.query, a.key, a.headSize, a.cache, true)
			expectValidation(t, err, tt.kind, tt.arg)
			expectUntouched(t, emu, 0)
		})
	}
}
