package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/engine"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/offload"
)

type benchFlags struct {
	iters  int
	tokens int
	neox   bool
	json   bool
}

// OpResult is the timing of one operation over all iterations.
type OpResult struct {
	Op     string  `json:"op"`
	Iters  int     `json:"iters"`
	MeanMs float64 `json:"mean_ms"`
	P50Ms  float64 `json:"p50_ms"`
	P95Ms  float64 `json:"p95_ms"`
}

type BenchOutput struct {
	Device         string        `json:"device"`
	DType          string        `json:"dtype"`
	Layers         int           `json:"layers"`
	Tokens         int           `json:"tokens"`
	Results        []OpResult    `json:"results"`
	KernelsLoaded  int           `json:"kernels_loaded"`
	DeviceMemBytes int64         `json:"device_memory_bytes"`
	OffloadStats   offload.Stats `json:"offload"`
}

func newBenchCmd(opts *options) *cobra.Command {
	var bf benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Benchmark the cache operations",
		Long:  "Run rotary_embedding, reshape_and_cache, copy_blocks, swap_blocks and an offload round trip on one sequence and report their latency.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := runBench(opts, bf)
			if err != nil {
				return err
			}
			if bf.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			printBench(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().IntVar(&bf.iters, "iters", 20, "Iterations per operation")
	cmd.Flags().IntVarP(&bf.tokens, "tokens", "n", 64, "Tokens in the benchmark sequence")
	cmd.Flags().BoolVar(&bf.neox, "neox", true, "Use neox-style rotary embedding")
	cmd.Flags().BoolVar(&bf.json, "json", false, "Print results as JSON")
	return cmd
}

// benchInputs are the device tensors one iteration operates on.
type benchInputs struct {
	key, value, slots    *device.Array
	positions, query, qk *device.Array
	cosSin               *device.Array
}

func (ss *session) benchInputs(tokens int, slots []int64) (*benchInputs, error) {
	l := ss.cache.Layout()
	rng := rand.New(rand.NewPCG(1, 2))
	random := func(n int) []byte {
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = rng.Float32()*2 - 1
		}
		return device.EncodeFloat32(l.DType, vals)
	}

	positions := make([]int64, tokens)
	for i := range positions {
		positions[i] = int64(i)
	}
	// rot_dim = head_size: cos in the first half, sin in the second
	half := l.HeadSize / 2
	table := make([]float32, tokens*l.HeadSize)
	for pos := 0; pos < tokens; pos++ {
		for i := 0; i < half; i++ {
			theta := float64(pos) * math.Pow(10000, -2*float64(i)/float64(l.HeadSize))
			table[pos*l.HeadSize+i] = float32(math.Cos(theta))
			table[pos*l.HeadSize+half+i] = float32(math.Sin(theta))
		}
	}

	in := &benchInputs{}
	var err error
	width := l.NumHeads * l.HeadSize
	steps := []func() error{
		func() error { in.key, err = ss.upload(l.DType, random(tokens*width), tokens, l.NumHeads, l.HeadSize); return err },
		func() error { in.value, err = ss.upload(l.DType, random(tokens*width), tokens, l.NumHeads, l.HeadSize); return err },
		func() error { in.slots, err = ss.upload(device.DTypeI64, device.EncodeInt64(slots), tokens); return err },
		func() error { in.positions, err = ss.upload(device.DTypeI64, device.EncodeInt64(positions), tokens); return err },
		func() error { in.query, err = ss.upload(l.DType, random(tokens*width), tokens, width); return err },
		func() error { in.qk, err = ss.upload(l.DType, random(tokens*width), tokens, width); return err },
		func() error {
			in.cosSin, err = ss.upload(l.DType, device.EncodeFloat32(l.DType, table), tokens, l.HeadSize)
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			in.free(ss)
			return nil, err
		}
	}
	return in, nil
}

func (in *benchInputs) free(ss *session) {
	ss.free(in.key, in.value, in.slots, in.positions, in.query, in.qk, in.cosSin)
}

func runBench(opts *options, bf benchFlags) (*BenchOutput, error) {
	if bf.iters <= 0 || bf.tokens <= 0 {
		return nil, fmt.Errorf("bench: iters and tokens must be positive")
	}
	ss, err := openSession(opts)
	if err != nil {
		return nil, err
	}
	defer ss.Close()

	c := ss.cache
	l := c.Layout()
	nblocks := (bf.tokens + l.BlockSize - 1) / l.BlockSize
	if nblocks+2 > l.NumBlocks {
		return nil, fmt.Errorf("bench: %d tokens need %d blocks plus 2 spares, cache has %d", bf.tokens, nblocks, l.NumBlocks)
	}
	table := make([]int, nblocks)
	for i := range table {
		if table[i], err = c.Allocate(); err != nil {
			return nil, err
		}
	}
	forked, err := c.Allocate()
	if err != nil {
		return nil, err
	}
	swapped, err := c.Allocate()
	if err != nil {
		return nil, err
	}
	slots, err := c.SlotMapping(table, 0, bf.tokens)
	if err != nil {
		return nil, err
	}

	in, err := ss.benchInputs(bf.tokens, slots)
	if err != nil {
		return nil, err
	}
	defer in.free(ss)

	store, err := offload.New(offload.FromConfig(opts.cfg))
	if err != nil {
		return nil, err
	}
	defer store.Close()

	eng, dev := ss.eng, ss.acc.Device()
	ops := []struct {
		name string
		run  func() error
	}{
		{engine.OpRotaryEmbedding, func() error {
			return eng.RotaryEmbedding(in.positions, in.query, in.qk, l.HeadSize, in.cosSin, bf.neox)
		}},
		{engine.OpReshapeAndCache, func() error {
			for layer := 0; layer < c.NumLayers(); layer++ {
				if err := eng.ReshapeAndCache(in.key, in.value, c.KeyCache(layer), c.ValueCache(layer), in.slots); err != nil {
					return err
				}
			}
			return nil
		}},
		{engine.OpCopyBlocks, func() error {
			return eng.CopyBlocks(c.KeyCaches(), c.ValueCaches(), map[int][]int{table[0]: {forked}})
		}},
		{engine.OpSwapBlocks, func() error {
			for layer := 0; layer < c.NumLayers(); layer++ {
				if err := eng.SwapBlocks(c.KeyCache(layer), c.KeyCache(layer), map[int]int{table[0]: swapped}); err != nil {
					return err
				}
				if err := eng.SwapBlocks(c.ValueCache(layer), c.ValueCache(layer), map[int]int{table[0]: swapped}); err != nil {
					return err
				}
			}
			return nil
		}},
		{"offload_round_trip", func() error {
			if err := eng.Synchronize(dev); err != nil {
				return err
			}
			if err := store.OffloadSequence(ss.acc, c, 0, table); err != nil {
				return err
			}
			return store.RestoreSequence(eng, c, 0, table)
		}},
	}

	out := &BenchOutput{Device: dev.String(), DType: l.DType.String(), Layers: c.NumLayers(), Tokens: bf.tokens}
	for _, op := range ops {
		samples := make([]float64, 0, bf.iters)
		for i := 0; i < bf.iters; i++ {
			start := time.Now()
			if err := op.run(); err != nil {
				return nil, fmt.Errorf("bench %s: %w", op.name, err)
			}
			if err := eng.Synchronize(dev); err != nil {
				return nil, fmt.Errorf("bench %s: %w", op.name, err)
			}
			samples = append(samples, float64(time.Since(start).Microseconds())/1000)
		}
		slices.Sort(samples)
		out.Results = append(out.Results, OpResult{
			Op:     op.name,
			Iters:  bf.iters,
			MeanMs: stat.Mean(samples, nil),
			P50Ms:  stat.Quantile(0.5, stat.Empirical, samples, nil),
			P95Ms:  stat.Quantile(0.95, stat.Empirical, samples, nil),
		})
		logger.Log.Debug("Benchmarked operation", "op", op.name, "iters", bf.iters)
	}
	out.KernelsLoaded = ss.reg.Len()
	out.DeviceMemBytes = ss.acc.AllocatedBytes()
	out.OffloadStats = store.Stats()
	return out, nil
}

func printBench(w io.Writer, out *BenchOutput) {
	fmt.Fprintf(w, "device %s, %s, %d layers, %d tokens\n\n", out.Device, out.DType, out.Layers, out.Tokens)
	table := newTable(w, "OP", "ITERS", "MEAN", "P50", "P95")
	for _, r := range out.Results {
		table.Append([]string{
			r.Op,
			fmt.Sprint(r.Iters),
			fmt.Sprintf("%.3fms", r.MeanMs),
			fmt.Sprintf("%.3fms", r.P50Ms),
			fmt.Sprintf("%.3fms", r.P95Ms),
		})
	}
	table.Render()
	fmt.Fprintf(w, "\nkernels loaded: %d\ndevice memory:  %d bytes\noffloaded:      %d blocks, %d raw bytes, %d stored bytes\n",
		out.KernelsLoaded, out.DeviceMemBytes, out.OffloadStats.Blocks, out.OffloadStats.RawBytes, out.OffloadStats.StoredBytes)
}
