package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/trafficport/internal/daemon"
)

var runOpts daemon.Options

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the port in foreground",
	Long: `Run the configured port in foreground.

The run will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Open the device and bring the port up
  4. Program the device with the stream list
  5. Start capture (with --capture) and transmit (unless --no-tx)
  6. Stop on SIGTERM/SIGINT or after --duration; SIGHUP reloads the stream list

Examples:
  trafficport run -c config.yml
  trafficport run -c config.yml -d 10s --capture rx.pcap
  trafficport run -c config.yml --no-tx --capture rx.pcap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPort()
	},
}

func init() {
	runCmd.Flags().DurationVarP(&runOpts.Duration, "duration", "d", 0,
		"stop after this long (0 runs until signalled)")
	runCmd.Flags().StringVar(&runOpts.CaptureOut, "capture", "",
		"capture received frames to this pcap file")
	runCmd.Flags().BoolVar(&runOpts.NoTransmit, "no-tx", false,
		"do not start transmit")
	runCmd.Flags().StringVarP(&runOpts.StreamsFile, "streams", "s", "",
		"stream list file (overrides streams_file)")
	runCmd.Flags().StringVarP(&runOpts.PIDFile, "pidfile", "p", "",
		"PID file path")
}

func runPort() error {
	d, err := daemon.New(configFile, runOpts)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	// blocks until shutdown
	return d.Run()
}
