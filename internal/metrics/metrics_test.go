package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsExistence(t *testing.T) {
	// Verify our exported metrics functions exist and don't panic
	RecordGPUMemory(1024 * 1024)
	RecordKernelDuration("copy_blocks_kernel_f16", 5*time.Millisecond)
	RecordKernelLoad(time.Millisecond)
}

func TestRecordGPUMemoryChanges(t *testing.T) {
	RecordGPUMemory(1024 * 1024 * 1024)
	RecordGPUMemory(512 * 1024 * 1024)
	if got := testutil.ToFloat64(GPUMemoryAllocated); got != 512*1024*1024 {
		t.Errorf("gpu memory gauge = %v, want %v", got, 512*1024*1024)
	}
}

func TestRecordKernelLaunch(t *testing.T) {
	const name = "test_launch_kernel_f32"
	before := testutil.ToFloat64(KernelLaunches.WithLabelValues(name))
	RecordKernelLaunch(name, 10*time.Millisecond)
	RecordKernelLaunch(name, 20*time.Millisecond)
	if got := testutil.ToFloat64(KernelLaunches.WithLabelValues(name)) - before; got != 2 {
		t.Errorf("launches = %v, want 2", got)
	}
}

func TestRecordValidationError(t *testing.T) {
	c := ValidationErrors.WithLabelValues("swap_blocks", "dtype_mismatch")
	before := testutil.ToFloat64(c)
	RecordValidationError("swap_blocks", "dtype_mismatch")
	RecordValidationError("swap_blocks", "dtype_mismatch")
	if got := testutil.ToFloat64(c) - before; got != 2 {
		t.Errorf("validation errors = %v, want 2", got)
	}
}

func TestRecordRegistryLookup(t *testing.T) {
	tests := []string{"hit", "load", "error"}
	for _, result := range tests {
		t.Run(result, func(t *testing.T) {
			before := testutil.ToFloat64(RegistryLookups.WithLabelValues(result))
			RecordRegistryLookup(result)
			if got := testutil.ToFloat64(RegistryLookups.WithLabelValues(result)) - before; got != 1 {
				t.Errorf("lookups{%s} delta = %v, want 1", result, got)
			}
		})
	}
}

func TestRecordSwap(t *testing.T) {
	before := testutil.ToFloat64(SwapBytes.WithLabelValues("h2d"))
	RecordSwap("h2d", 3, 3*4096)
	if got := testutil.ToFloat64(SwapBytes.WithLabelValues("h2d")) - before; got != 3*4096 {
		t.Errorf("swap bytes delta = %v, want %v", got, 3*4096)
	}
}

func TestRecordCacheCounters(t *testing.T) {
	tokens := testutil.ToFloat64(TokensCached)
	blocks := testutil.ToFloat64(BlocksCopied)
	RecordTokensCached(7)
	RecordBlocksCopied(4)
	if got := testutil.ToFloat64(TokensCached) - tokens; got != 7 {
		t.Errorf("tokens cached delta = %v, want 7", got)
	}
	if got := testutil.ToFloat64(BlocksCopied) - blocks; got != 4 {
		t.Errorf("blocks copied delta = %v, want 4", got)
	}
}

func TestRecordOffloadBytes(t *testing.T) {
	RecordOffloadBytes(1000, 250)
	if got := testutil.ToFloat64(OffloadBytes.WithLabelValues("stored")); got != 250 {
		t.Errorf("stored = %v, want 250", got)
	}
}
