package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/trafficport/internal/device"

	_ "firestige.xyz/trafficport/internal/device/afpacket"
	_ "firestige.xyz/trafficport/internal/device/sim"
)

var backendsCmd = &cobra.Command{
	Use:   "backends",
	Short: "List the available device backends",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range device.Backends() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}
