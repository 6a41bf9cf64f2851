// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/trafficport/internal/config"
	"firestige.xyz/trafficport/internal/decoder"
	"firestige.xyz/trafficport/internal/stream"
	"firestige.xyz/trafficport/internal/utils"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration or stream list file",
	Long: `Validate the global configuration, or a stream list file (JSON or YAML),
without touching any device.

Stream list format is auto-detected from extension (.json, .yaml, .yml).

Examples:
  trafficport validate -c config.yml
  trafficport validate -f streams.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if validateStreamsFile != "" {
			runValidateStreams(validateStreamsFile)
			return
		}
		runValidateConfig()
	},
}

var validateStreamsFile string

func init() {
	validateCmd.Flags().StringVarP(&validateStreamsFile, "file", "f", "",
		"stream list file to validate")
}

func runValidateConfig() {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	if err := utils.ValidateFilter(cfg.Port.RxFilter); err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: port.rx_filter: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALID: port %q backend=%s transmit=%s\n",
		cfg.Port.Name, cfg.Port.Backend, cfg.Port.TransmitMode)

	if cfg.StreamsFile != "" {
		runValidateStreams(cfg.StreamsFile)
	}
}

func runValidateStreams(path string) {
	if _, err := os.Stat(path); err != nil {
		exitWithError(fmt.Sprintf("failed to read file %s", path), err)
	}

	streams, err := stream.LoadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	dec := decoder.NewDecoder()
	frames := 0
	for _, s := range streams {
		frames += s.FrameVariableCount()

		// first frame is representative for hex and pcap streams alike
		f, err := s.FrameValue(0)
		if err != nil {
			continue
		}
		summary, err := dec.Decode(f)
		if err != nil {
			fmt.Printf("  ordinal %d: %d frame(s), undecodable: %v\n", s.Ordinal(), s.FrameVariableCount(), err)
			continue
		}
		fmt.Printf("  ordinal %d: %d frame(s), %s\n", s.Ordinal(), s.FrameVariableCount(), summary)
	}
	fmt.Printf("VALID: %s, %d stream(s), %d frame(s)\n", path, len(streams), frames)
}
