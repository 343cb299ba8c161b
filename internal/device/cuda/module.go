//go:build linux && cuda

package cuda

/*
#include <cuda.h>
#include <nvrtc.h>
#include <stdlib.h>

static CUresult launch_kernel(CUfunction f,
                              unsigned gx, unsigned gy, unsigned gz,
                              unsigned bx, unsigned by, unsigned bz,
                              unsigned shared, CUstream s, void **params) {
	return cuLaunchKernel(f, gx, gy, gz, bx, by, bz, shared, s, params, NULL);
}
*/
import "C"
import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/logger"
)

// CompileError carries the NVRTC log of a failed compilation.
type CompileError struct {
	Log string
	Err error
}

func (e *CompileError) Error() string { return fmt.Sprintf("%v\n%s", e.Err, e.Log) }

func (e *CompileError) Unwrap() error { return e.Err }

func nvrtcCheck(res C.nvrtcResult, what string) error {
	if res == C.NVRTC_SUCCESS {
		return nil
	}
	return fmt.Errorf("%s failed: %s", what, C.GoString(C.nvrtcGetErrorString(res)))
}

func includeDir() string {
	root := os.Getenv("CUDA_PATH")
	if root == "" {
		root = "/usr/local/cuda"
	}
	return filepath.Join(root, "include")
}

// compile turns source into PTX for the backend's architecture.
func (b *Backend) compile(source string) ([]byte, error) {
	csrc := C.CString(source)
	defer C.free(unsafe.Pointer(csrc))
	cname := C.CString("kvcache.cu")
	defer C.free(unsafe.Pointer(cname))

	var prog C.nvrtcProgram
	if err := nvrtcCheck(C.nvrtcCreateProgram(&prog, csrc, cname, 0, nil, nil), "nvrtcCreateProgram"); err != nil {
		return nil, err
	}
	defer C.nvrtcDestroyProgram(&prog)

	opts := []string{"--gpu-architecture=" + b.arch, "--std=c++17", "-I" + includeDir()}
	copts := make([]*C.char, len(opts))
	for i, o := range opts {
		copts[i] = C.CString(o)
		defer C.free(unsafe.Pointer(copts[i]))
	}
	if err := nvrtcCheck(C.nvrtcCompileProgram(prog, C.int(len(copts)), &copts[0]), "nvrtcCompileProgram"); err != nil {
		var logSize C.size_t
		C.nvrtcGetProgramLogSize(prog, &logSize)
		log := make([]byte, max(int(logSize), 1))
		C.nvrtcGetProgramLog(prog, (*C.char)(unsafe.Pointer(&log[0])))
		return nil, &CompileError{Log: string(log[:max(int(logSize)-1, 0)]), Err: err}
	}

	var size C.size_t
	if err := nvrtcCheck(C.nvrtcGetPTXSize(prog, &size), "nvrtcGetPTXSize"); err != nil {
		return nil, err
	}
	ptx := make([]byte, size)
	if err := nvrtcCheck(C.nvrtcGetPTX(prog, (*C.char)(unsafe.Pointer(&ptx[0]))), "nvrtcGetPTX"); err != nil {
		return nil, err
	}
	return ptx, nil
}

// module compiles and loads source once per backend.
func (b *Backend) module(source string) (C.CUmodule, error) {
	sum := sha256.Sum256([]byte(source))
	digest := hex.EncodeToString(sum[:8])

	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.modules[digest]; ok {
		return m, nil
	}

	start := time.Now()
	ptx, err := b.compile(source)
	if err != nil {
		return nil, err
	}
	var m C.CUmodule
	err = b.do(func() error {
		return check(C.cuModuleLoadData(&m, unsafe.Pointer(&ptx[0])), "cuModuleLoadData")
	})
	if err != nil {
		return nil, err
	}
	b.modules[digest] = m
	logger.Log.Debug("Compiled kernel module", "device", b.dev, "digest", digest, "ptx_bytes", len(ptx), "duration", time.Since(start))
	return m, nil
}

// LoadFunction compiles source if this backend has not seen it and returns
// the entry point.
func (b *Backend) LoadFunction(source, entry string) (device.Function, error) {
	if _, ok := kernels.Resolve(source, entry); !ok {
		return nil, fmt.Errorf("cuda: entry point %q not exported by kernel source", entry)
	}
	m, err := b.module(source)
	if err != nil {
		return nil, err
	}
	cname := C.CString(entry)
	defer C.free(unsafe.Pointer(cname))

	f := &function{b: b, name: entry}
	err = b.do(func() error {
		return check(C.cuModuleGetFunction(&f.h, m, cname), "cuModuleGetFunction")
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

type function struct {
	b    *Backend
	name string
	h    C.CUfunction
}

func (f *function) Name() string { return f.name }

// Launch packs args into C memory, one 8-byte slot each, and queues the
// kernel on s.
func (f *function) Launch(s device.Stream, cfg device.LaunchConfig, args ...any) error {
	cs, ok := s.(*stream)
	if !ok || cs.b != f.b {
		return fmt.Errorf("cuda: %s loaded on %v launched on stream of %v", f.name, f.b.dev, s.Device())
	}

	n := len(args)
	slots := C.malloc(C.size_t(max(n, 1) * 8))
	defer C.free(slots)
	params := C.malloc(C.size_t(max(n, 1)) * C.size_t(unsafe.Sizeof(uintptr(0))))
	defer C.free(params)

	vals := unsafe.Slice((*[8]byte)(slots), max(n, 1))
	ptrs := unsafe.Slice((*unsafe.Pointer)(params), max(n, 1))
	for i, a := range args {
		slot := vals[i][:]
		switch v := a.(type) {
		case device.DevicePointer:
			if v.Device() != f.b.dev {
				return fmt.Errorf("cuda: %s argument %d is on %v", f.name, i, v.Device())
			}
			binary.LittleEndian.PutUint64(slot, uint64(v.Addr()))
		case int32:
			binary.LittleEndian.PutUint32(slot, uint32(v))
		case int64:
			binary.LittleEndian.PutUint64(slot, uint64(v))
		case float32:
			binary.LittleEndian.PutUint32(slot, math.Float32bits(v))
		default:
			return fmt.Errorf("cuda: %s argument %d has unsupported type %T", f.name, i, a)
		}
		ptrs[i] = unsafe.Pointer(&vals[i])
	}

	g, blk := cfg.Grid, cfg.Block
	return f.b.do(func() error {
		return check(C.launch_kernel(f.h,
			C.uint(g.X), C.uint(g.Y), C.uint(g.Z),
			C.uint(blk.X), C.uint(blk.Y), C.uint(blk.Z),
			C.uint(cfg.SharedMemBytes), cs.h, (*unsafe.Pointer)(params)), "cuLaunchKernel "+f.name)
	})
}
