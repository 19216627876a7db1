package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "windkeeper",
	Short: "Windkeeper - screen-time pressure engine with a living companion",
	Long: `Windkeeper turns monitored screen time into a pressure gauge that a
virtual companion lives under. Usage raises pressure against a daily budget,
breaks let it fall, and a companion that is pushed past its limits is lost.
The daemon persists everything locally and reconciles state with an optional
remote store so multiple devices converge.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/windkeeper/config.yaml", "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
