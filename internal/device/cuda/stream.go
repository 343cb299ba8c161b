//go:build linux && cuda

package cuda

/*
#include <cuda.h>
*/
import "C"
import (
	"fmt"
	"unsafe"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

type stream struct {
	b *Backend
	h C.CUstream
}

func (s *stream) Device() device.Device { return s.b.dev }

func (s *stream) owns(p device.DevicePointer, n int) error {
	if p.Device() != s.b.dev {
		return fmt.Errorf("cuda: pointer on %v used on %v", p.Device(), s.b.dev)
	}
	if n > p.Len() {
		return fmt.Errorf("%w: %d bytes from %v", device.ErrPointerRange, n, p)
	}
	return nil
}

func (s *stream) CopyDtoDAsync(dst, src device.DevicePointer, n int) error {
	if err := s.owns(dst, n); err != nil {
		return err
	}
	if err := s.owns(src, n); err != nil {
		return err
	}
	return s.b.do(func() error {
		return check(C.cuMemcpyDtoDAsync(C.CUdeviceptr(dst.Addr()), C.CUdeviceptr(src.Addr()), C.size_t(n), s.h), "cuMemcpyDtoDAsync")
	})
}

// CopyHtoDAsync queues the copy. The driver stages pageable memory before
// returning, so src may be reused once the call returns.
func (s *stream) CopyHtoDAsync(dst device.DevicePointer, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := s.owns(dst, len(src)); err != nil {
		return err
	}
	return s.b.do(func() error {
		return check(C.cuMemcpyHtoDAsync(C.CUdeviceptr(dst.Addr()), unsafe.Pointer(&src[0]), C.size_t(len(src)), s.h), "cuMemcpyHtoDAsync")
	})
}

func (s *stream) CopyHtoD(dst device.DevicePointer, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	if err := s.owns(dst, len(src)); err != nil {
		return err
	}
	return s.b.do(func() error {
		if err := check(C.cuMemcpyHtoDAsync(C.CUdeviceptr(dst.Addr()), unsafe.Pointer(&src[0]), C.size_t(len(src)), s.h), "cuMemcpyHtoDAsync"); err != nil {
			return err
		}
		return check(C.cuStreamSynchronize(s.h), "cuStreamSynchronize")
	})
}

func (s *stream) AllocAsync(n int) (device.DevicePointer, error) {
	var p C.CUdeviceptr
	err := s.b.do(func() error {
		return check(C.cuMemAllocAsync(&p, C.size_t(max(n, 1)), s.h), "cuMemAllocAsync")
	})
	if err != nil {
		return device.DevicePointer{}, err
	}
	metrics.RecordGPUMemory(s.b.allocated.Add(int64(n)))
	return device.NewDevicePointer(uintptr(p), n, s.b.dev), nil
}

func (s *stream) FreeAsync(p device.DevicePointer) error {
	if err := s.owns(p, 0); err != nil {
		return err
	}
	err := s.b.do(func() error {
		return check(C.cuMemFreeAsync(C.CUdeviceptr(p.Addr()), s.h), "cuMemFreeAsync")
	})
	if err != nil {
		return err
	}
	metrics.RecordGPUMemory(s.b.allocated.Add(-int64(p.Len())))
	return nil
}

func (s *stream) Synchronize() error {
	return s.b.do(func() error {
		return check(C.cuStreamSynchronize(s.h), "cuStreamSynchronize")
	})
}
