package main

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/engine"
	"github.com/23skdu/longbow-kvcache/internal/offload"
	"github.com/23skdu/longbow-kvcache/internal/registry"
)

// accelerator is what the commands need from a backend beyond launching
// kernels.
type accelerator interface {
	device.Backend
	offload.Reader
	AllocatedBytes() int64
}

// session is an opened backend with an engine and a paged cache on it.
type session struct {
	acc    accelerator
	reg    *registry.Registry
	eng    *engine.Engine
	cache  *engine.PagedCache
	closer func() error
}

func openSession(opts *options, engOpts ...engine.Option) (*session, error) {
	acc, closer, err := openBackend(opts.device)
	if err != nil {
		return nil, err
	}
	ss := &session{acc: acc, reg: registry.New(acc), closer: closer}
	if ss.eng, err = engine.New(ss.reg, opts.cfg, engOpts...); err != nil {
		ss.Close()
		return nil, err
	}
	layout, err := engine.LayoutFromConfig(opts.cfg)
	if err != nil {
		ss.Close()
		return nil, err
	}
	if ss.cache, err = engine.NewPagedCache(acc, layout, opts.cfg.NumLayers); err != nil {
		ss.Close()
		return nil, err
	}
	return ss, nil
}

func (ss *session) Close() error {
	if ss.cache != nil {
		if err := ss.cache.Close(); err != nil {
			return err
		}
	}
	return ss.closer()
}

// upload copies host bytes into a new tensor on the accelerator.
func (ss *session) upload(dt device.DType, data []byte, shape ...int) (*device.Array, error) {
	if want := device.NumElements(shape) * dt.Size(); len(data) != want {
		return nil, fmt.Errorf("upload: %d bytes for %v %v, want %d", len(data), dt, shape, want)
	}
	a, err := device.Alloc(ss.acc, dt, shape...)
	if err != nil {
		return nil, err
	}
	p, err := device.ResolveDevicePointer(a)
	if err != nil {
		return nil, err
	}
	s, err := ss.acc.Stream()
	if err != nil {
		return nil, err
	}
	if err := s.CopyHtoD(p, data); err != nil {
		return nil, err
	}
	return a, nil
}

func (ss *session) free(ts ...*device.Array) {
	for _, t := range ts {
		if t != nil {
			ss.acc.Free(t.Storage())
		}
	}
}
