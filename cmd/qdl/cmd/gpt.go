package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edlflash/qdl/internal/device"
)

func printGptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "printgpt <lun>",
		Short: "Print the reconciled partition table of a LUN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lun, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid LUN %q: %w", args[0], err)
			}
			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				tbl, warnings, err := dev.GetGpt(ctx, lun, 0)
				if err != nil {
					return err
				}
				for _, w := range warnings {
					fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-20s %-12s %12s %12s %8s  %s\n", "NAME", "TYPE", "START", "END", "SECTORS", "ACTIVE")
				active := tbl.GetActiveSlot()
				for _, e := range tbl.Entries {
					if !e.Present() {
						continue
					}
					mark := ""
					if e.Name != "" && (e.Name == "boot_"+active || e.Name == "system_"+active) {
						mark = "*"
					}
					fmt.Fprintf(out, "%-20s %-12s %12d %12d %8d  %s\n", e.Name, e.TypeGUID.String(), e.StartingLBA, e.EndingLBA, e.Sectors(), mark)
				}
				return nil
			})
		},
	}
}

func repairGptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repairgpt <lun> <image>",
		Short: "Rewrite a LUN's primary GPT from image and regenerate its backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lun, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid LUN %q: %w", args[0], err)
			}
			blob, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				return dev.RepairGpt(ctx, lun, blob)
			})
		},
	}
}
