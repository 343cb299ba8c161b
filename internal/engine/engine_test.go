package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/device/emulator"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/registry"
)

func TestNew(t *testing.T) {
	if _, err := New(nil, config.Default()); err == nil {
		t.Error("New(nil registry) succeeded")
	}

	cfg := config.Default()
	cfg.CopyBlocksMaxThreads = 4096
	if _, err := New(registry.New(emulator.New(0)), cfg); err == nil {
		t.Error("New accepted a thread cap above the device limit")
	}

	reg := registry.New(emulator.New(0))
	e, err := New(reg, config.Default())
	if err != nil {
		t.Fatal(err)
	}
	if e.Registry() != reg {
		t.Error("Registry() is not the registry passed to New")
	}
}

type recordedOp struct {
	op  string
	err error
}

type recorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (r *recorder) RecordOperation(op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, recordedOp{op, err})
}

func TestObserverSeesEveryOperation(t *testing.T) {
	emu := emulator.New(0)
	rec := &recorder{}
	e, err := New(registry.New(emu), config.Default(), WithObserver(rec))
	if err != nil {
		t.Fatal(err)
	}

	src := zeros(t, emu, device.DTypeF32, 2, 4)
	dst := zeros(t, emu, device.DTypeF16, 2, 4)
	if err := e.SwapBlocks(src, src, map[int]int{0: 1}); err != nil {
		t.Fatal(err)
	}
	bad := e.SwapBlocks(src, dst, map[int]int{0: 1})
	if bad == nil {
		t.Fatal("dtype mismatch accepted")
	}
	if err := e.CopyBlocks(nil, nil, nil); err != nil {
		t.Fatal(err)
	}

	want := []string{OpSwapBlocks, OpSwapBlocks, OpCopyBlocks}
	var got []string
	for _, r := range rec.ops {
		got = append(got, r.op)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("observed ops (-want +got):\n%s", diff)
	}
	if rec.ops[0].err != nil || rec.ops[1].err != bad || rec.ops[2].err != nil {
		t.Errorf("observed errors = %v", rec.ops)
	}
}

func TestValidationErrorsAreCounted(t *testing.T) {
	e, emu := newTestEngine(t)
	counter := metrics.ValidationErrors.WithLabelValues(OpSwapBlocks, "block_out_of_range")
	before := testutil.ToFloat64(counter)

	c := zeros(t, emu, device.DTypeF32, 2, 4)
	if err := e.SwapBlocks(c, c, map[int]int{0: 2}); !errors.Is(err, ErrBlockOutOfRange) {
		t.Fatalf("err = %v, want ErrBlockOutOfRange", err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("validation counter grew by %v, want 1", got)
	}

	// device failures are not contract violations
	emu.InjectFault(emulator.FaultCopy, errors.New("ecc error"))
	before = testutil.ToFloat64(counter)
	if err := e.SwapBlocks(c, c, map[int]int{0: 1}); !errors.Is(err, ErrDevice) {
		t.Fatalf("err = %v, want ErrDevice", err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 0 {
		t.Errorf("validation counter grew by %v on a device error", got)
	}
}

func TestRejectionsAreLogged(t *testing.T) {
	t.Cleanup(func() { logger.Setup("info", "console") })
	var buf bytes.Buffer
	logger.SetupWriter(&buf, "info", "json")

	e, emu := newTestEngine(t)
	c := zeros(t, emu, device.DTypeF32, 2, 4)
	_ = e.SwapBlocks(c, c, map[int]int{5: 0})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output %q: %v", buf.String(), err)
	}
	if entry["level"] != "warn" || entry["op"] != OpSwapBlocks {
		t.Errorf("log entry = %v", entry)
	}
}

func TestLaunchFailuresAreDeviceErrors(t *testing.T) {
	for _, point := range []string{emulator.FaultLoad, emulator.FaultLaunch} {
		t.Run(point, func(t *testing.T) {
			e, emu := newTestEngine(t)
			cause := fmt.Errorf("%s failed", point)
			emu.InjectFault(point, cause)

			dt := device.DTypeF32
			err := e.ReshapeAndCache(
				zeros(t, emu, dt, 1, 1, 4),
				zeros(t, emu, dt, 1, 1, 4),
				zeros(t, emu, dt, 1, 1, 1, 2, 4),
				zeros(t, emu, dt, 1, 1, 4, 2),
				uploadInt64(t, emu, []int64{1}, 1),
			)
			if !errors.Is(err, ErrDevice) || !errors.Is(err, cause) {
				t.Fatalf("err = %v, want ErrDevice wrapping %v", err, cause)
			}
			var ve *ValidationError
			if errors.As(err, &ve) {
				t.Errorf("device failure reported as validation error: %v", err)
			}
		})
	}
}

// Capping the work-group width changes the launch shape, never the result.
func TestThreadCapsDoNotChangeResults(t *testing.T) {
	c := scatterCase{numTokens: 3, numHeads: 4, headSize: 8, blockSize: 4, x: 4, numBlocks: 2, slots: []int64{7, 0, 4}}
	run := func(cfg config.Config) ([]float32, []float32) {
		emu := emulator.New(0)
		e, err := New(registry.New(emu), cfg)
		if err != nil {
			t.Fatal(err)
		}
		dt := device.DTypeF32
		n := c.numTokens * c.numHeads * c.headSize
		kc := zeros(t, emu, dt, c.numBlocks, c.numHeads, c.headSize/c.x, c.blockSize, c.x)
		vc := zeros(t, emu, dt, c.numBlocks, c.numHeads, c.headSize, c.blockSize)
		err = e.ReshapeAndCache(
			upload(t, emu, dt, pattern(n, 1), c.numTokens, c.numHeads, c.headSize),
			upload(t, emu, dt, pattern(n, 2), c.numTokens, c.numHeads, c.headSize),
			kc, vc, uploadInt64(t, emu, c.slots, c.numTokens))
		if err != nil {
			t.Fatal(err)
		}
		return download(t, emu, kc), download(t, emu, vc)
	}

	wideK, wideV := run(config.Default())
	narrow := config.Default()
	narrow.ReshapeMaxThreads = 3
	narrowK, narrowV := run(narrow)
	if diff := cmp.Diff(wideK, narrowK); diff != "" {
		t.Errorf("key cache differs under a thread cap (-wide +narrow):\n%s", diff)
	}
	if diff := cmp.Diff(wideV, narrowV); diff != "" {
		t.Errorf("value cache differs under a thread cap (-wide +narrow):\n%s", diff)
	}
}

func TestThreads(t *testing.T) {
	tests := []struct {
		n, limit int
		want     uint32
	}{
		{0, 512, 1},
		{1, 512, 1},
		{300, 512, 300},
		{4096, 512, 512},
		{4096, 1024, 1024},
	}
	for _, tt := range tests {
		if got := threads(tt.n, tt.limit); got != tt.want {
			t.Errorf("threads(%d, %d) = %d, want %d", tt.n, tt.limit, got, tt.want)
		}
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ValidationError{Kind: ErrDTypeMismatch}, "dtype_mismatch"},
		{&ValidationError{Kind: ErrDeviceMismatch}, "device_mismatch"},
		{&ValidationError{Kind: ErrShapeMismatch}, "shape_mismatch"},
		{&ValidationError{Kind: ErrNotAccelerator}, "not_accelerator"},
		{&ValidationError{Kind: ErrBlockOutOfRange}, "block_out_of_range"},
		{&ValidationError{Kind: ErrMappingConflict}, "mapping_conflict"},
		{&UnsupportedError{}, "not_supported"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := errorType(tt.err); got != tt.want {
			t.Errorf("errorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{
			&ValidationError{Op: OpSwapBlocks, Arg: "src", Other: "dst", Kind: ErrDTypeMismatch, Got: "f16", Want: "f32"},
			"swap_blocks: dtype mismatch: src f16, dst f32",
		},
		{
			&ValidationError{Op: OpRotaryEmbedding, Arg: "head_size", Kind: ErrShapeMismatch, Got: "0", Want: "positive"},
			"rotary_embedding: shape mismatch: head_size is 0, want positive",
		},
		{
			&UnsupportedError{Op: OpSwapBlocks, Src: device.Emulated(0), Dst: device.Host, Reason: "nope"},
			fmt.Sprintf("swap_blocks: %s -> %s: nope", device.Emulated(0), device.Host),
		},
		{
			&DeviceError{Op: OpCopyBlocks, Err: errors.New("oom")},
			"copy_blocks: oom",
		},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
