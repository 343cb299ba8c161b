//go:build linux && cuda

package main

import (
	"fmt"

	"github.com/23skdu/longbow-kvcache/internal/device/cuda"
)

func openBackend(ordinal int) (accelerator, func() error, error) {
	n, err := cuda.DeviceCount()
	if err != nil {
		return nil, nil, err
	}
	if ordinal < 0 || ordinal >= n {
		return nil, nil, fmt.Errorf("device %d not found (%d CUDA devices)", ordinal, n)
	}
	b, err := cuda.New(ordinal)
	if err != nil {
		return nil, nil, err
	}
	return b, b.Close, nil
}
