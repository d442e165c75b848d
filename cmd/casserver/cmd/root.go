package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:     "casserver",
	Version: Version,
	Short:   "casserver is a single sign-on authority",
	Long: `A single sign-on authority: one login establishes a session, relying
services receive short-lived single-use tickets and validate them against
the authority without ever seeing the user's credentials.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
}
