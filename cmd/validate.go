package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"icc.tech/flowsync/internal/config"
)

var validateShow bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the synchronizer.

This is useful for pre-checking configuration before deployment.

Examples:
  flowsync validate -c config.yml
  flowsync validate -c config.yml --show`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("VALID: %d stream(s), %d sink(s), source %q\n",
			len(cfg.StreamNames()),
			len(cfg.Sinks),
			cfg.Source.Type,
		)

		if validateShow {
			out, err := yaml.Marshal(map[string]any{"flowsync": cfg})
			if err != nil {
				exitWithError("failed to render normalized config", err)
			}
			os.Stdout.Write(out)
		}
	},
}

func init() {
	validateCmd.Flags().BoolVar(&validateShow, "show", false,
		"print the normalized configuration as YAML")
	rootCmd.AddCommand(validateCmd)
}
