package emulator

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/device"
)

// stream executes work as it is submitted, so submission order is
// completion order and Synchronize has nothing to wait for.
type stream struct {
	emu *Emulator
}

func (s *stream) Device() device.Device { return s.emu.dev }

func (s *stream) CopyDtoDAsync(dst, src device.DevicePointer, n int) error {
	if err := s.emu.fault(FaultCopy); err != nil {
		return err
	}
	if src.Device() != dst.Device() {
		return fmt.Errorf("emulator: dtod copy between %v and %v", src.Device(), dst.Device())
	}
	from, err := s.slice(src, n)
	if err != nil {
		return err
	}
	to, err := s.slice(dst, n)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

func (s *stream) CopyHtoDAsync(dst device.DevicePointer, src []byte) error {
	return s.CopyHtoD(dst, src)
}

func (s *stream) CopyHtoD(dst device.DevicePointer, src []byte) error {
	if err := s.emu.fault(FaultCopy); err != nil {
		return err
	}
	to, err := s.slice(dst, len(src))
	if err != nil {
		return err
	}
	copy(to, src)
	return nil
}

func (s *stream) AllocAsync(n int) (device.DevicePointer, error) {
	return s.emu.alloc(n)
}

func (s *stream) FreeAsync(p device.DevicePointer) error {
	return s.emu.free(p.Addr())
}

func (s *stream) Synchronize() error {
	return nil
}

func (s *stream) slice(p device.DevicePointer, n int) ([]byte, error) {
	sub, err := p.Slice(0, n)
	if err != nil {
		return nil, err
	}
	return s.emu.region(sub)
}
