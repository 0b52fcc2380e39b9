package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/edlflash/qdl/internal/device"
)

func getStorageInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "getstorageinfo",
		Short: "Print the target's storage_info JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				info, err := dev.Firehose().CmdGetStorageInfo(ctx)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			})
		},
	}
}
