// Package engine implements the paged KV cache operations: scattering new
// key/value entries into cache blocks, copying blocks across every layer in
// one launch, swapping blocks between tiers, and applying rotary embeddings.
//
// Every operation validates its arguments before issuing device work, so a
// returned *ValidationError or *UnsupportedError means nothing was touched.
// A *DeviceError may leave the affected blocks in an undefined state.
package engine

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-kvcache/internal/config"
	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
	"github.com/23skdu/longbow-kvcache/internal/registry"
)

// Operation names used in errors, logs and metrics.
const (
	OpReshapeAndCache = "reshape_and_cache"
	OpCopyBlocks      = "copy_blocks"
	OpSwapBlocks      = "swap_blocks"
	OpRotaryEmbedding = "rotary_embedding"
)

// Observer is told about every completed operation.
type Observer interface {
	RecordOperation(op string, duration time.Duration, err error)
}

type Engine struct {
	reg      *registry.Registry
	cfg      config.Config
	observer Observer
}

type Option func(*Engine)

// WithObserver reports every operation to o.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// New returns an engine launching kernels through reg.
func New(reg *registry.Registry, cfg config.Config, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("engine: nil registry")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{reg: reg, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Registry returns the kernel registry the engine launches through.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Synchronize waits for all work queued on dev's stream.
func (e *Engine) Synchronize(dev device.Device) error {
	s, err := e.stream("synchronize", dev)
	if err != nil {
		return err
	}
	if err := s.Synchronize(); err != nil {
		return &DeviceError{Op: "synchronize", Err: err}
	}
	return nil
}

// finish records the outcome of op and passes err through.
func (e *Engine) finish(op string, start time.Time, err error) error {
	if err != nil {
		if _, ok := err.(*DeviceError); !ok {
			metrics.RecordValidationError(op, errorType(err))
			logger.Log.Warn("Rejected cache operation", "op", op, "error", err)
		} else {
			logger.Log.Error("Cache operation failed", "op", op, "error", err)
		}
	}
	if e.observer != nil {
		e.observer.RecordOperation(op, time.Since(start), err)
	}
	return err
}

func (e *Engine) stream(op string, dev device.Device) (device.Stream, error) {
	b, err := e.reg.Backend(dev)
	if err != nil {
		return nil, &DeviceError{Op: op, Err: err}
	}
	s, err := b.Stream()
	if err != nil {
		return nil, &DeviceError{Op: op, Err: err}
	}
	return s, nil
}

// launch looks up src's entry point for dt on dev and launches it on the
// device's stream.
func (e *Engine) launch(op string, src kernels.Source, variant string, dt device.DType, dev device.Device, cfg device.LaunchConfig, args ...any) error {
	fn, err := e.reg.GetOrLoad(src, variant, dt, dev)
	if err != nil {
		return &DeviceError{Op: op, Err: err}
	}
	s, err := e.stream(op, dev)
	if err != nil {
		return err
	}

	if logger.Log.DebugEnabled() {
		logger.Log.Debug("Launching kernel", "kernel", fn.Name(), "grid", fmt.Sprint(cfg.Grid), "block", fmt.Sprint(cfg.Block))
	}
	start := time.Now()
	if err := fn.Launch(s, cfg, args...); err != nil {
		return &DeviceError{Op: op, Err: fmt.Errorf("launch %s: %w", fn.Name(), err)}
	}
	metrics.RecordKernelLaunch(fn.Name(), time.Since(start))
	return nil
}

// threads is the work-group width for n work items under a cap.
func threads(n, limit int) uint32 {
	return uint32(max(1, min(n, limit)))
}

// pointer resolves t, reporting a placement failure as a device error.
// Arguments are validated first, so failure here means the tensor's storage
// is not what its device claims.
func pointer(op, arg string, t device.Tensor) (device.DevicePointer, error) {
	p, err := device.ResolveDevicePointer(t)
	if err != nil {
		return device.DevicePointer{}, &DeviceError{Op: op, Err: fmt.Errorf("%s: %w", arg, err)}
	}
	return p, nil
}
