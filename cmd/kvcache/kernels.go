package main

import (
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-kvcache/internal/device"
	"github.com/23skdu/longbow-kvcache/internal/kernels"
	"github.com/23skdu/longbow-kvcache/internal/registry"
)

func newKernelsCmd(opts *options) *cobra.Command {
	var load bool
	cmd := &cobra.Command{
		Use:   "kernels",
		Short: "List kernel entry points",
		Long:  "List every kernel entry point in the embedded source. With --load, compile and load all of them on the device.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !load {
				return listKernels(cmd.OutOrStdout())
			}
			acc, closer, err := openBackend(opts.device)
			if err != nil {
				return err
			}
			defer closer()
			reg := registry.New(acc)
			if err := warmRegistry(reg, acc.Device()); err != nil {
				return err
			}
			return listLoaded(cmd.OutOrStdout(), reg)
		},
	}
	cmd.Flags().BoolVar(&load, "load", false, "Load every entry point on the device")
	return cmd
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func listKernels(w io.Writer) error {
	table := newTable(w, "FAMILY", "VARIANT", "DTYPE", "ENTRY")
	for _, src := range kernels.All() {
		for _, v := range src.Variants {
			for _, d := range src.DTypes {
				variant := v
				if variant == "" {
					variant = "-"
				}
				table.Append([]string{src.Name, variant, d, src.EntryName(v, d)})
			}
		}
	}
	table.Render()
	return nil
}

// warmRegistry loads every entry point on dev concurrently.
func warmRegistry(reg *registry.Registry, dev device.Device) error {
	var g errgroup.Group
	for _, src := range kernels.All() {
		for _, v := range src.Variants {
			for _, d := range src.DTypes {
				dt, err := device.ParseDType(d)
				if err != nil {
					return err
				}
				g.Go(func() error {
					_, err := reg.GetOrLoad(src, v, dt, dev)
					return err
				})
			}
		}
	}
	return g.Wait()
}

func listLoaded(w io.Writer, reg *registry.Registry) error {
	table := newTable(w, "KERNEL", "DTYPE", "DEVICE")
	for _, k := range reg.Loaded() {
		table.Append([]string{k.Kernel, k.DType.String(), k.Device.String()})
	}
	table.Render()
	fmt.Fprintf(w, "%d entry points loaded\n", reg.Len())
	return nil
}
