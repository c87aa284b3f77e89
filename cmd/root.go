// Package cmd implements CLI commands using the cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flowsync",
	Short: "FlowSync - Time-window synchronizer for timestamped message streams",
	Long: `FlowSync groups messages close in time across multiple timestamp-ordered
input streams and emits temporally coherent tuples, one message per stream.
It is built for sensor fusion pipelines (camera/lidar/imu/GPS and similar)
where downstream consumers need aligned samples.

Features:
  - Bounded per-stream buffers with reject-new or drop-oldest policies
  - Finite or infinite matching windows with a monotonic commit cursor
  - Pro-active staleness expiration (bounded min-heap + timer wheel)
  - Synthetic and pcap-replay sources, console and JSON-lines sinks
  - Prometheus metrics and a status API`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/flowsync/config.yml",
		"config file path")
}

// exitWithError prints an error message and exits with code 1.
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
