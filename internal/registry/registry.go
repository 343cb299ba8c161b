// Package registry caches loaded kernel entry points per device.
//
// A Registry is built once at startup and handed to every engine that launches
// kernels. Each (kernel, dtype, device) is compiled and loaded at most once for
// the life of the registry; hits take a read lock and do no device work.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

var (
	ErrUnsupportedDType = errors.New("registry: no kernel instantiation for dtype")
	ErrUnknownVariant   = errors.New("registry: unknown kernel variant")
	ErrNoBackend        = errors.New("registry: no backend for device")
)

// Key identifies one loaded entry point.
type Key struct {
	Kernel string // family name plus variant suffix
	DType  device.DType
	Device device.Device
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s@%s", k.Kernel, k.DType, k.Device)
}

// LoadError is returned when a backend fails to compile or load a kernel.
type LoadError struct {
	Key Key
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("registry: loading %s: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

type Registry struct {
	mu       sync.RWMutex
	backends map[device.Device]device.Backend
	funcs    map[Key]device.Function

	group singleflight.Group
}

// New returns a registry serving the given backends.
func New(backends ...device.Backend) *Registry {
	r := &Registry{
		backends: make(map[device.Device]device.Backend),
		funcs:    make(map[Key]device.Function),
	}
	for _, b := range backends {
		r.backends[b.Device()] = b
	}
	return r
}

// Backend returns the backend serving dev.
func (r *Registry) Backend(dev device.Device) (device.Backend, error) {
	r.mu.RLock()
	b, ok := r.backends[dev]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %v", ErrNoBackend, dev)
	}
	return b, nil
}

// GetOrLoad returns the entry point of src's variant for dt on dev, loading
// it on first use. Concurrent first uses of the same key share one load.
func (r *Registry) GetOrLoad(src kernels.Source, variant string, dt device.DType, dev device.Device) (device.Function, error) {
	if !src.HasVariant(variant) {
		metrics.RecordRegistryLookup("error")
		return nil, fmt.Errorf("%w %q for %s", ErrUnknownVariant, variant, src.Name)
	}
	if !src.Supports(dt.Suffix()) {
		metrics.RecordRegistryLookup("error")
		return nil, fmt.Errorf("%w %v (%s)", ErrUnsupportedDType, dt, src.Name)
	}

	key := Key{Kernel: src.Name + variant, DType: dt, Device: dev}
	r.mu.RLock()
	fn, ok := r.funcs[key]
	r.mu.RUnlock()
	if ok {
		metrics.RecordRegistryLookup("hit")
		return fn, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (interface{}, error) {
		// another caller may have finished loading between the read and Do
		r.mu.RLock()
		fn, ok := r.funcs[key]
		r.mu.RUnlock()
		if ok {
			return fn, nil
		}
		return r.load(src, variant, key)
	})
	if err != nil {
		metrics.RecordRegistryLookup("error")
		return nil, err
	}
	metrics.RecordRegistryLookup("load")
	return v.(device.Function), nil
}

func (r *Registry) load(src kernels.Source, variant string, key Key) (device.Function, error) {
	b, err := r.Backend(key.Device)
	if err != nil {
		return nil, &LoadError{Key: key, Err: err}
	}

	entry := src.EntryName(variant, key.DType.Suffix())
	start := time.Now()
	fn, err := b.LoadFunction(src.Text, entry)
	if err != nil {
		logger.Log.Error("Kernel load failed", "kernel", entry, "device", key.Device, "error", err)
		return nil, &LoadError{Key: key, Err: err}
	}
	elapsed := time.Since(start)
	metrics.RecordKernelLoad(elapsed)

	r.mu.Lock()
	r.funcs[key] = fn
	r.mu.Unlock()

	logger.Log.Info("Kernel loaded", "kernel", entry, "dtype", key.DType, "device", key.Device, "duration", elapsed)
	return fn, nil
}

// Len is the number of loaded entry points.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.funcs)
}

// Loaded lists the keys of loaded entry points, sorted.
func (r *Registry) Loaded() []Key {
	r.mu.RLock()
	out := make([]Key, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
