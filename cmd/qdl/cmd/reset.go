package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/edlflash/qdl/internal/device"
)

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Connect and issue a Firehose power reset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				return dev.Firehose().CmdReset(ctx)
			})
		},
	}
}
