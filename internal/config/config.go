package config

import (
	"fmt"
	"strings"
)

// MaxThreadsPerBlock is the device limit on threads per work-group.
const MaxThreadsPerBlock = 1024

type Config struct {
	// Per-operation work-group size caps.
	ReshapeMaxThreads    int
	CopyBlocksMaxThreads int
	RotaryMaxThreads     int

	LogLevel  string
	LogFormat string

	MetricsAddr string

	OffloadCompress    bool
	OffloadBudgetBytes int64

	TransferAddr string

	// Cache geometry used by the CLI to build demo and benchmark caches.
	NumLayers int
	NumBlocks int
	BlockSize int
	NumHeads  int
	HeadSize  int
	DType     string
}

func (c *Config) Validate() error {
	for _, lim := range []struct {
		name string
		v    int
	}{
		{"reshape_max_threads", c.ReshapeMaxThreads},
		{"copy_blocks_max_threads", c.CopyBlocksMaxThreads},
		{"rotary_max_threads", c.RotaryMaxThreads},
	} {
		if lim.v <= 0 || lim.v > MaxThreadsPerBlock {
			return fmt.Errorf("invalid %s: %d (must be in (0, %d])", lim.name, lim.v, MaxThreadsPerBlock)
		}
	}
	if c.OffloadBudgetBytes < 0 {
		return fmt.Errorf("invalid offload_budget_bytes: %d (must be non-negative)", c.OffloadBudgetBytes)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return c.validateGeometry()
}

func (c *Config) validateGeometry() error {
	if c.NumLayers <= 0 {
		return fmt.Errorf("invalid num_layers: %d (must be positive)", c.NumLayers)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("invalid num_blocks: %d (must be positive)", c.NumBlocks)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("invalid block_size: %d (must be positive)", c.BlockSize)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.HeadSize <= 0 || c.HeadSize%2 != 0 {
		return fmt.Errorf("invalid head_size: %d (must be positive and even)", c.HeadSize)
	}
	switch c.DType {
	case "f32", "f16", "bf16":
	default:
		return fmt.Errorf("invalid dtype: %q (must be f32, f16 or bf16)", c.DType)
	}
	return nil
}

// PackFactor is x in the key cache layout: 16 bytes of elements per vector.
func (c *Config) PackFactor() int {
	size := 4
	if c.DType != "f32" {
		size = 2
	}
	x := 16 / size
	for x > 1 && c.HeadSize%x != 0 {
		x /= 2
	}
	return x
}

func Default() Config {
	return Config{
		ReshapeMaxThreads:    512,
		CopyBlocksMaxThreads: 1024,
		RotaryMaxThreads:     512,

		LogLevel:  "info",
		LogFormat: "console",

		MetricsAddr: ":9090",

		OffloadCompress:    true,
		OffloadBudgetBytes: 1 << 30,

		TransferAddr: "localhost:8815",

		NumLayers: 2,
		NumBlocks: 64,
		BlockSize: 16,
		NumHeads:  8,
		HeadSize:  64,
		DType:     "f16",
	}
}
