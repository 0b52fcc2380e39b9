package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edlflash/qdl/internal/device"
	"github.com/edlflash/qdl/internal/errs"
)

// bootLun is the LUN carrying the boot_a/boot_b A/B partitions on a typical
// target; getactiveslot reads its GPT to report the currently active slot.
const bootLun = 0

func getActiveSlotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "getactiveslot",
		Short: "Print the currently active A/B slot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				tbl, _, err := dev.GetGpt(ctx, bootLun, 0)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tbl.GetActiveSlot())
				return nil
			})
		},
	}
}

func setActiveSlotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setactiveslot a|b",
		Short: "Mark the given A/B slot active on every discovered LUN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot := args[0]
			if slot != "a" && slot != "b" {
				return &errs.ValidationError{Field: "slot", Detail: fmt.Sprintf("must be \"a\" or \"b\", got %q", slot)}
			}
			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				return dev.SetActiveSlot(ctx, slot)
			})
		},
	}
}
