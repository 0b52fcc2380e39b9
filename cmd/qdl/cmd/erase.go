package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edlflash/qdl/internal/device"
)

func eraseCmd() *cobra.Command {
	var preserve string
	var dryRun bool

	c := &cobra.Command{
		Use:   "erase <lun>",
		Short: "Erase every sector of a LUN not occupied by the GPT or a preserved partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lun, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid LUN %q: %w", args[0], err)
			}
			preserveNames := strings.Split(preserve, ",")

			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				if dryRun {
					free, err := dev.FreeRanges(ctx, lun, preserveNames)
					if err != nil {
						return err
					}
					out := cmd.OutOrStdout()
					for _, r := range free {
						fmt.Fprintf(out, "erase sectors %d..%d (%d sectors)\n", r.Start, r.End, r.End-r.Start+1)
					}
					return nil
				}
				return dev.EraseLun(ctx, lun, preserveNames)
			})
		},
	}
	c.Flags().StringVar(&preserve, "preserve", "mbr,gpt,persist", "comma-separated partition names (plus the \"mbr\"/\"gpt\" sentinels) to protect from erase")
	c.Flags().BoolVar(&dryRun, "dry-run", false, "print the sector ranges that would be erased without erasing them")
	return c
}
