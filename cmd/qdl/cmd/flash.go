package cmd

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/edlflash/qdl/cmd/qdl/tui"
	"github.com/edlflash/qdl/internal/device"
	"github.com/edlflash/qdl/internal/measure"
)

func flashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flash <partition> <image>",
		Short: "Flash an image (sparse or raw) to a named partition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			blob, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			return withDevice(cmd.Context(), func(ctx context.Context, dev *device.Device) error {
				work := func(onProgress func(done int64)) error {
					return dev.FlashBlob(ctx, name, blob, onProgress)
				}
				if isatty.IsTerminal(os.Stdout.Fd()) {
					return tui.Run("flashing "+name, int64(len(blob)), work)
				}
				return work(measure.Flashing("flashing "+name, int64(len(blob))))
			})
		},
	}
}
