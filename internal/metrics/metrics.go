package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GPUMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_memory_allocated_bytes",
		Help: "Current bytes allocated on GPU",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gpu_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_kernel_launches_total",
		Help: "Total number of kernel launches",
	}, []string{"kernel"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	// ===== Kernel Registry =====

	RegistryLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_kernel_registry_lookups_total",
		Help: "Kernel registry lookups by result (hit, load, error)",
	}, []string{"result"})

	KernelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kvcache_kernel_load_duration_seconds",
		Help:    "Time to compile and load a kernel entry point",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
	})

	// ===== Cache Operations =====

	TokensCached = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcache_tokens_cached_total",
		Help: "Tokens submitted to reshape_and_cache, padding slots included",
	})

	BlocksCopied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kvcache_blocks_copied_total",
		Help: "Block copies performed by copy_blocks, counted per layer",
	})

	BlocksSwapped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_blocks_swapped_total",
		Help: "Blocks moved by swap_blocks",
	}, []string{"direction"})

	SwapBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kvcache_swap_bytes_total",
		Help: "Bytes moved by swap_blocks",
	}, []string{"direction"})

	CacheBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kvcache_blocks",
		Help: "Physical cache blocks by state (free, used)",
	}, []string{"state"})

	// ===== Offload Tier =====

	OffloadBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kvcache_offload_bytes",
		Help: "Bytes held by the host offload tier (raw, stored)",
	}, []string{"state"})
)

func RecordGPUMemory(bytes int64) {
	GPUMemoryAllocated.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// RecordKernelLaunch counts one launch of name and its wall time.
func RecordKernelLaunch(name string, duration time.Duration) {
	KernelLaunches.WithLabelValues(name).Inc()
	RecordKernelDuration(name, duration)
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

// RecordRegistryLookup records a registry lookup outcome.
func RecordRegistryLookup(result string) {
	RegistryLookups.WithLabelValues(result).Inc()
}

func RecordKernelLoad(duration time.Duration) {
	KernelLoadDuration.Observe(duration.Seconds())
}

func RecordTokensCached(n int) {
	TokensCached.Add(float64(n))
}

func RecordBlocksCopied(n int) {
	BlocksCopied.Add(float64(n))
}

// RecordSwap records blocks and bytes moved in one direction (e.g. "h2d").
func RecordSwap(direction string, blocks int, bytes int64) {
	BlocksSwapped.WithLabelValues(direction).Add(float64(blocks))
	SwapBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordBlockPool sets the free and used block gauges.
func RecordBlockPool(free, total int) {
	CacheBlocks.WithLabelValues("free").Set(float64(free))
	CacheBlocks.WithLabelValues("used").Set(float64(total - free))
}

// RecordOffloadBytes sets the offload tier gauges.
func RecordOffloadBytes(raw, stored int64) {
	OffloadBytes.WithLabelValues("raw").Set(float64(raw))
	OffloadBytes.WithLabelValues("stored").Set(float64(stored))
}
