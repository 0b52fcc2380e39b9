package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edlflash/qdl/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print qdl's build revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), version.Read())
			return nil
		},
	}
}
