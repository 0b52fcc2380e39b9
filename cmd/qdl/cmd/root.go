package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	programmerFlag string
	logLevelFlag   string
)

// RootCmd builds the qdl command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "qdl",
		Short:         "Flash a Qualcomm EDL target over Sahara and Firehose",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&programmerFlag, "programmer", "", "path or http(s):// URL of the signed Firehose programmer image")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "override QDL_LOG_LEVEL (silent|error|warn|info|debug)")

	root.AddCommand(versionCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(getActiveSlotCmd())
	root.AddCommand(setActiveSlotCmd())
	root.AddCommand(getStorageInfoCmd())
	root.AddCommand(printGptCmd())
	root.AddCommand(repairGptCmd())
	root.AddCommand(eraseCmd())
	root.AddCommand(flashCmd())
	return root
}

// Execute runs the command tree, printing any error to stderr and exiting
// non-zero.
func Execute() {
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "qdl:", err)
		os.Exit(1)
	}
}
