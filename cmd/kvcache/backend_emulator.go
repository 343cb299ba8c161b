//go:build !(linux && cuda)

package main

import "github.com/23skdu/longbow-kvcache/internal/device/emulator"

func openBackend(ordinal int) (accelerator, func() error, error) {
	return emulator.New(ordinal), func() error { return nil }, nil
}
