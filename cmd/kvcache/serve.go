package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-kvcache/internal/engine"
	"github.com/23skdu/longbow-kvcache/internal/logger"
	"github.com/23skdu/longbow-kvcache/internal/monitoring"
	"github.com/23skdu/longbow-kvcache/internal/offload"
	"github.com/23skdu/longbow-kvcache/internal/transfer"
)

func newServeCmd(opts *options) *cobra.Command {
	var snapshot string
	limits := monitoring.DefaultLimits()
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve offloaded blocks with health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts, snapshot, limits)
		},
	}
	cmd.Flags().StringVar(&opts.cfg.MetricsAddr, "metrics-addr", opts.cfg.MetricsAddr, "Address for /health, /status and /metrics")
	cmd.Flags().StringVar(&opts.cfg.TransferAddr, "transfer-addr", opts.cfg.TransferAddr, "Address of the Arrow Flight block transfer service")
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "Offload snapshot loaded at start and written at shutdown")
	cmd.Flags().DurationVar(&limits.SlowOperation, "alert-slow-op", limits.SlowOperation, "Warn about cache operations slower than this (0 disables)")
	cmd.Flags().Int64Var(&limits.GPUMemoryBytes, "alert-gpu-memory", 0, "Report critical above this many bytes of device memory (0 disables)")
	cmd.Flags().Int64Var(&limits.OffloadBytes, "alert-offload-bytes", 0, "Warn above this many stored offload bytes (0 disables)")
	return cmd
}

func serve(ctx context.Context, opts *options, snapshot string, limits monitoring.Limits) error {
	store, err := offload.New(offload.FromConfig(opts.cfg))
	if err != nil {
		return err
	}
	defer store.Close()
	if snapshot != "" {
		if err := loadSnapshot(store, snapshot); err != nil {
			return err
		}
	}

	var ss *session
	hm := monitoring.NewHealthMonitor(version, func() monitoring.CacheInfo {
		l := ss.cache.Layout()
		return monitoring.CacheInfo{
			Device:         ss.acc.Device().String(),
			NumLayers:      ss.cache.NumLayers(),
			NumBlocks:      l.NumBlocks,
			BlockSize:      l.BlockSize,
			DType:          l.DType.String(),
			KernelsLoaded:  ss.reg.Len(),
			OffloadedBytes: store.Stats().StoredBytes,
			GPUMemoryBytes: ss.acc.AllocatedBytes(),
		}
	}, limits)
	ss, err = openSession(opts, engine.WithObserver(hm))
	if err != nil {
		return err
	}
	defer ss.Close()
	if err := warmRegistry(ss.reg, ss.acc.Device()); err != nil {
		return err
	}

	srv := transfer.NewServer(store)
	if err := srv.Start(opts.cfg.TransferAddr); err != nil {
		return err
	}
	defer srv.Stop()

	errc := make(chan error, 1)
	go func() { errc <- hm.Start(opts.cfg.MetricsAddr) }()

	logger.Log.Info("Serving", "device", ss.acc.Device(), "transfer", srv.Addr(), "metrics", opts.cfg.MetricsAddr)
	select {
	case <-ctx.Done():
		logger.Log.Info("Shutting down")
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("monitoring: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hm.Stop(shutdownCtx); err != nil {
		logger.Log.Warn("Health monitor shutdown", "error", err)
	}
	if snapshot != "" {
		return writeSnapshot(store, snapshot)
	}
	return nil
}

func loadSnapshot(store *offload.Store, path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = store.ReadSnapshot(f)
	return err
}

func writeSnapshot(store *offload.Store, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := store.WriteSnapshot(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	logger.Log.Info("Wrote offload snapshot", "path", path, "blocks", store.Stats().Blocks)
	return os.Rename(tmp, path)
}
