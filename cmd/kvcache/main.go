// Command kvcache drives the paged KV cache engine: it lists and warms the
// kernel registry, benchmarks the cache operations and serves offloaded
// blocks with health and metrics endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/logger"
)

var version = "dev"

type options struct {
	cfg    config.Config
	device int
}

func newRootCmd() *cobra.Command {
	opts := &options{cfg: config.Default()}

	root := &cobra.Command{
		Use:     "kvcache",
		Short:   "Paged KV cache engine",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger.SetupWriter(cmd.ErrOrStderr(), opts.cfg.LogLevel, opts.cfg.LogFormat)
			return opts.cfg.Validate()
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&opts.cfg.LogLevel, "log-level", opts.cfg.LogLevel, "Log level (debug, info, warn, error)")
	f.StringVar(&opts.cfg.LogFormat, "log-format", opts.cfg.LogFormat, "Log format (console or json)")
	f.IntVar(&opts.device, "device", 0, "Accelerator ordinal")

	f.IntVar(&opts.cfg.NumLayers, "layers", opts.cfg.NumLayers, "Number of cache layers")
	f.IntVar(&opts.cfg.NumBlocks, "blocks", opts.cfg.NumBlocks, "Physical blocks per cache")
	f.IntVar(&opts.cfg.BlockSize, "block-size", opts.cfg.BlockSize, "Tokens per block")
	f.IntVar(&opts.cfg.NumHeads, "heads", opts.cfg.NumHeads, "Attention heads")
	f.IntVar(&opts.cfg.HeadSize, "head-size", opts.cfg.HeadSize, "Elements per head")
	f.StringVar(&opts.cfg.DType, "dtype", opts.cfg.DType, "Cache element type (f32, f16, bf16)")

	f.IntVar(&opts.cfg.ReshapeMaxThreads, "reshape-max-threads", opts.cfg.ReshapeMaxThreads, "Work-group size cap for reshape_and_cache")
	f.IntVar(&opts.cfg.CopyBlocksMaxThreads, "copy-blocks-max-threads", opts.cfg.CopyBlocksMaxThreads, "Work-group size cap for copy_blocks")
	f.IntVar(&opts.cfg.RotaryMaxThreads, "rotary-max-threads", opts.cfg.RotaryMaxThreads, "Work-group size cap for rotary_embedding")

	f.BoolVar(&opts.cfg.OffloadCompress, "offload-compress", opts.cfg.OffloadCompress, "zstd-compress offloaded blocks")
	f.Int64Var(&opts.cfg.OffloadBudgetBytes, "offload-budget", opts.cfg.OffloadBudgetBytes, "Host offload tier budget in bytes (0 = unlimited)")

	root.AddCommand(newKernelsCmd(opts), newBenchCmd(opts), newServeCmd(opts))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
