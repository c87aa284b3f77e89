package cmd

import (
	"github.com/spf13/cobra"

	"icc.tech/flowsync/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the synchronizer in the foreground",
	Long: `Run the synchronizer in the foreground until the sources are exhausted
or a shutdown signal (SIGINT/SIGTERM) arrives. SIGHUP or editing the config
file reloads the configuration and restarts the session.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(configFile)
		if err != nil {
			return err
		}
		return d.Run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
