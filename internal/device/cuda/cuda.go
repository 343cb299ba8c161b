//go:build linux && cuda

// Package cuda is the accelerator backend for NVIDIA GPUs, built on the CUDA
// driver API. Kernel source is compiled at load time with NVRTC.
package cuda

/*
#cgo LDFLAGS: -L/usr/local/cuda/lib64 -lcuda -lnvrtc
#cgo CFLAGS: -I/usr/local/cuda/include
#include <cuda.h>
#include <stdlib.h>
*/
import "C"
import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

var initOnce sync.Once
var initErr error

func cuInit() error {
	initOnce.Do(func() {
		initErr = check(C.cuInit(0), "cuInit")
	})
	return initErr
}

func check(res C.CUresult, what string) error {
	if res == C.CUDA_SUCCESS {
		return nil
	}
	var msg *C.char
	C.cuGetErrorString(res, &msg)
	if msg == nil {
		return fmt.Errorf("%s failed: CUresult %d", what, int(res))
	}
	return fmt.Errorf("%s failed: %s", what, C.GoString(msg))
}

// DeviceCount returns the number of visible CUDA devices.
func DeviceCount() (int, error) {
	if err := cuInit(); err != nil {
		return 0, err
	}
	var n C.int
	if err := check(C.cuDeviceGetCount(&n), "cuDeviceGetCount"); err != nil {
		return 0, err
	}
	return int(n), nil
}

// Backend owns the primary context and default stream of one GPU.
type Backend struct {
	dev    device.Device
	cuDev  C.CUdevice
	ctx    C.CUcontext
	arch   string
	stream *stream

	mu      sync.Mutex
	modules map[string]C.CUmodule // by source digest

	allocated atomic.Int64
}

// New opens the GPU with the given ordinal.
func New(ordinal int) (*Backend, error) {
	if err := cuInit(); err != nil {
		return nil, err
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	b := &Backend{dev: device.CUDA(ordinal), modules: make(map[string]C.CUmodule)}
	if err := check(C.cuDeviceGet(&b.cuDev, C.int(ordinal)), "cuDeviceGet"); err != nil {
		return nil, err
	}
	var major, minor C.int
	if err := check(C.cuDeviceGetAttribute(&major, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MAJOR, b.cuDev), "cuDeviceGetAttribute"); err != nil {
		return nil, err
	}
	if err := check(C.cuDeviceGetAttribute(&minor, C.CU_DEVICE_ATTRIBUTE_COMPUTE_CAPABILITY_MINOR, b.cuDev), "cuDeviceGetAttribute"); err != nil {
		return nil, err
	}
	b.arch = fmt.Sprintf("compute_%d%d", int(major), int(minor))

	if err := check(C.cuDevicePrimaryCtxRetain(&b.ctx, b.cuDev), "cuDevicePrimaryCtxRetain"); err != nil {
		return nil, err
	}
	if err := check(C.cuCtxSetCurrent(b.ctx), "cuCtxSetCurrent"); err != nil {
		C.cuDevicePrimaryCtxRelease(b.cuDev)
		return nil, err
	}
	var h C.CUstream
	if err := check(C.cuStreamCreate(&h, C.CU_STREAM_NON_BLOCKING), "cuStreamCreate"); err != nil {
		C.cuDevicePrimaryCtxRelease(b.cuDev)
		return nil, err
	}
	b.stream = &stream{b: b, h: h}

	var free, total C.size_t
	C.cuMemGetInfo(&free, &total)
	logger.Log.Info("CUDA device opened", "device", b.dev, "arch", b.arch,
		"free_mb", uint64(free)>>20, "total_mb", uint64(total)>>20)
	return b, nil
}

// bind makes the backend's context current on the calling thread. The caller
// must hold the thread with runtime.LockOSThread until its driver calls are done.
func (b *Backend) bind() error {
	return check(C.cuCtxSetCurrent(b.ctx), "cuCtxSetCurrent")
}

// do runs f with the context current on a locked thread.
func (b *Backend) do(f func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := b.bind(); err != nil {
		return err
	}
	return f()
}

func (b *Backend) Device() device.Device { return b.dev }

func (b *Backend) Stream() (device.Stream, error) { return b.stream, nil }

type storage struct {
	b    *Backend
	addr C.CUdeviceptr
	n    int
}

func (s *storage) Device() device.Device { return s.b.dev }
func (s *storage) Address() uintptr      { return uintptr(s.addr) }
func (s *storage) Bytes() []byte         { return nil }
func (s *storage) Len() int              { return s.n }

// Alloc returns zeroed device memory.
func (b *Backend) Alloc(n int) (device.Storage, error) {
	s := &storage{b: b, n: n}
	err := b.do(func() error {
		if err := check(C.cuMemAlloc(&s.addr, C.size_t(max(n, 1))), "cuMemAlloc"); err != nil {
			return err
		}
		return check(C.cuMemsetD8(s.addr, 0, C.size_t(n)), "cuMemsetD8")
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordGPUMemory(b.allocated.Add(int64(n)))
	return s, nil
}

func (b *Backend) Free(s device.Storage) error {
	cs, ok := s.(*storage)
	if !ok || cs.b != b {
		return fmt.Errorf("cuda: storage on %v not owned by %v", s.Device(), b.dev)
	}
	err := b.do(func() error { return check(C.cuMemFree(cs.addr), "cuMemFree") })
	if err != nil {
		return err
	}
	metrics.RecordGPUMemory(b.allocated.Add(-int64(cs.n)))
	return nil
}

// Read copies n bytes from device memory at p to the host.
func (b *Backend) Read(p device.DevicePointer, n int) ([]byte, error) {
	if _, err := p.Slice(0, n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	err := b.do(func() error {
		if err := check(C.cuStreamSynchronize(b.stream.h), "cuStreamSynchronize"); err != nil {
			return err
		}
		return check(C.cuMemcpyDtoH(unsafe.Pointer(&out[0]), C.CUdeviceptr(p.Addr()), C.size_t(n)), "cuMemcpyDtoH")
	})
	return out, err
}

// AllocatedBytes is the device memory currently held through Alloc.
func (b *Backend) AllocatedBytes() int64 { return b.allocated.Load() }

// Close unloads every module and releases the device.
func (b *Backend) Close() error {
	return b.do(func() error {
		b.mu.Lock()
		defer b.mu.Unlock()
		for digest, m := range b.modules {
			C.cuModuleUnload(m)
			delete(b.modules, digest)
		}
		if err := check(C.cuStreamDestroy(b.stream.h), "cuStreamDestroy"); err != nil {
			return err
		}
		return check(C.cuDevicePrimaryCtxRelease(b.cuDev), "cuDevicePrimaryCtxRelease")
	})
}

var _ device.Backend = (*Backend)(nil)
