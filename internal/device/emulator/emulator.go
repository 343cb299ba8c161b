// Package emulator implements an accelerator backend that runs kernels on the
// host. Device memory is a private address space of Go byte slices and every
// kernel entry point exported by the embedded kernel source is bound to a Go
// implementation that walks the launch grid the way the device would.
package emulator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/metrics"
)

const (
	baseAddress = 0x7f0000000000
	alignment   = 256

	// MaxThreadsPerBlock mirrors the CUDA limit.
	MaxThreadsPerBlock = 1024
)

// ErrInvalidAddress is returned for accesses outside any live allocation.
var ErrInvalidAddress = errors.New("emulator: invalid device address")

// Fault points that can be made to fail once with InjectFault.
const (
	FaultLoad   = "load"
	FaultLaunch = "launch"
	FaultCopy   = "copy"
	FaultAlloc  = "alloc"
)

type allocation struct {
	addr uintptr
	data []byte
}

// Emulator is one emulated accelerator.
type Emulator struct {
	dev device.Device

	mu     sync.Mutex
	allocs []*allocation // sorted by addr
	next   uintptr
	faults map[string]error
	stream *stream

	loads     atomic.Int64
	launches  atomic.Int64
	allocated atomic.Int64
}

// New returns an emulated accelerator with the given ordinal.
func New(ordinal int) *Emulator {
	e := &Emulator{
		dev:    device.Emulated(ordinal),
		next:   baseAddress + uintptr(ordinal)<<36,
		faults: make(map[string]error),
	}
	e.stream = &stream{emu: e}
	return e
}

func (e *Emulator) Device() device.Device { return e.dev }

// Loads is the number of successful LoadFunction calls.
func (e *Emulator) Loads() int64 { return e.loads.Load() }

// Launches is the number of kernel launches that ran.
func (e *Emulator) Launches() int64 { return e.launches.Load() }

// AllocatedBytes is the live allocation total.
func (e *Emulator) AllocatedBytes() int64 { return e.allocated.Load() }

// InjectFault makes the next operation of the given kind fail with err.
func (e *Emulator) InjectFault(point string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[point] = err
}

func (e *Emulator) fault(point string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err, ok := e.faults[point]
	if !ok {
		return nil
	}
	delete(e.faults, point)
	return err
}

type storage struct {
	emu  *Emulator
	addr uintptr
	n    int
}

func (s *storage) Device() device.Device { return s.emu.dev }
func (s *storage) Address() uintptr      { return s.addr }
func (s *storage) Bytes() []byte         { return nil }
func (s *storage) Len() int              { return s.n }

// Alloc returns zeroed device memory.
func (e *Emulator) Alloc(n int) (device.Storage, error) {
	p, err := e.alloc(n)
	if err != nil {
		return nil, err
	}
	return &storage{emu: e, addr: p.Addr(), n: n}, nil
}

func (e *Emulator) alloc(n int) (device.DevicePointer, error) {
	if err := e.fault(FaultAlloc); err != nil {
		return device.DevicePointer{}, err
	}
	if n < 0 {
		return device.DevicePointer{}, fmt.Errorf("emulator: negative allocation size %d", n)
	}

	e.mu.Lock()
	addr := e.next
	// zero-sized allocations still get a distinct address
	size := uintptr(max(n, 1))
	e.next += (size + alignment - 1) / alignment * alignment
	e.allocs = append(e.allocs, &allocation{addr: addr, data: make([]byte, n)})
	e.mu.Unlock()

	metrics.RecordGPUMemory(e.allocated.Add(int64(n)))
	return device.NewDevicePointer(addr, n, e.dev), nil
}

// Free releases memory returned by Alloc.
func (e *Emulator) Free(s device.Storage) error {
	if s.Device() != e.dev {
		return fmt.Errorf("emulator: storage belongs to %v, not %v", s.Device(), e.dev)
	}
	return e.free(s.Address())
}

func (e *Emulator) free(addr uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := sort.Search(len(e.allocs), func(i int) bool { return e.allocs[i].addr >= addr })
	if i == len(e.allocs) || e.allocs[i].addr != addr {
		return fmt.Errorf("%w: free of %#x", ErrInvalidAddress, addr)
	}
	n := len(e.allocs[i].data)
	e.allocs = append(e.allocs[:i], e.allocs[i+1:]...)
	metrics.RecordGPUMemory(e.allocated.Add(-int64(n)))
	return nil
}

// memory returns the bytes from addr to the end of its allocation.
func (e *Emulator) memory(addr uintptr) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := sort.Search(len(e.allocs), func(i int) bool { return e.allocs[i].addr > addr }) - 1
	if i < 0 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	a := e.allocs[i]
	off := addr - a.addr
	if off > uintptr(len(a.data)) {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidAddress, addr)
	}
	return a.data[off:], nil
}

// region returns exactly the bytes described by p.
func (e *Emulator) region(p device.DevicePointer) ([]byte, error) {
	if p.Device() != e.dev {
		return nil, fmt.Errorf("%w: pointer on %v used on %v", ErrInvalidAddress, p.Device(), e.dev)
	}
	mem, err := e.memory(p.Addr())
	if err != nil {
		return nil, err
	}
	if p.Len() > len(mem) {
		return nil, fmt.Errorf("%w: %v overruns its allocation", ErrInvalidAddress, p)
	}
	return mem[:p.Len()], nil
}

// Read copies n bytes starting at p to the host.
func (e *Emulator) Read(p device.DevicePointer, n int) ([]byte, error) {
	sub, err := p.Slice(0, n)
	if err != nil {
		return nil, err
	}
	mem, err := e.region(sub)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), mem...), nil
}

// Write copies b to device memory at p.
func (e *Emulator) Write(p device.DevicePointer, b []byte) error {
	sub, err := p.Slice(0, len(b))
	if err != nil {
		return err
	}
	mem, err := e.region(sub)
	if err != nil {
		return err
	}
	copy(mem, b)
	return nil
}

// Stream returns the emulator's only stream.
func (e *Emulator) Stream() (device.Stream, error) {
	return e.stream, nil
}

// LoadFunction binds entry to its host implementation after checking that
// source really exports it.
func (e *Emulator) LoadFunction(source, entry string) (device.Function, error) {
	if err := e.fault(FaultLoad); err != nil {
		return nil, err
	}
	fam, ok := kernels.Resolve(source, entry)
	if !ok {
		return nil, fmt.Errorf("emulator: entry point %q not exported by kernel source", entry)
	}
	fn, err := bind(e, fam, entry)
	if err != nil {
		return nil, err
	}
	e.loads.Add(1)
	return fn, nil
}

var _ device.Backend = (*Emulator)(nil)
