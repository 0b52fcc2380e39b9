// Binary qdl drives a Qualcomm Emergency Download mode target over Sahara
// and Firehose: connecting, reading and repairing GPTs, flashing partitions,
// erasing free space, and switching the active A/B slot.
package main

import "github.com/edlflash/qdl/cmd/qdl/cmd"

func main() {
	cmd.Execute()
}
